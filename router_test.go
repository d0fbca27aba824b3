package mqttd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqttd/internal/packets"
)

func recordingHandler(tag string, calls *[]string) Handler {
	return HandlerFunc(func(ctx context.Context, item *DispatcherItem) (packets.Packet, error) {
		*calls = append(*calls, tag)
		return nil, nil
	})
}

func TestRouterDispatchesToMatchingResource(t *testing.T) {
	var calls []string
	r := NewRouterBuilder(recordingHandler("default", &calls)).
		Resource("sensors/+/temp", recordingHandler("temp", &calls)).
		Resource("sensors/#", recordingHandler("sensors", &calls)).
		Build()

	item := packetItem(&packets.PublishPacket{Topic: "sensors/a/temp"})
	_, err := r.Call(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, []string{"temp"}, calls)
}

func TestRouterFallsBackToDefault(t *testing.T) {
	var calls []string
	r := NewRouterBuilder(recordingHandler("default", &calls)).
		Resource("sensors/+/temp", recordingHandler("temp", &calls)).
		Build()

	item := packetItem(&packets.PublishPacket{Topic: "other/topic"})
	_, err := r.Call(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, calls)
}

func TestRouterNonPublishItemGoesToDefault(t *testing.T) {
	var calls []string
	r := NewRouterBuilder(recordingHandler("default", &calls)).
		Resource("sensors/#", recordingHandler("sensors", &calls)).
		Build()

	_, err := r.Call(context.Background(), keepAliveTimeoutItem())
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, calls)
}

func TestRouterRecordsAndResolvesTopicAlias(t *testing.T) {
	var calls []string
	r := NewRouterBuilder(recordingHandler("default", &calls)).
		Resource("sensors/#", recordingHandler("sensors", &calls)).
		Build()

	first := packetItem(&packets.PublishPacket{
		Topic: "sensors/a/temp",
		Properties: &packets.Properties{
			Presence:   packets.PresTopicAlias,
			TopicAlias: 7,
		},
	})
	_, err := r.Call(context.Background(), first)
	require.NoError(t, err)

	aliased := &packets.PublishPacket{
		Topic: "",
		Properties: &packets.Properties{
			Presence:   packets.PresTopicAlias,
			TopicAlias: 7,
		},
	}
	_, err = r.Call(context.Background(), packetItem(aliased))
	require.NoError(t, err)
	require.Equal(t, []string{"sensors", "sensors"}, calls)
	require.Equal(t, "sensors/a/temp", aliased.Topic)
}

func TestRouterUnknownAliasWithEmptyTopicFallsThrough(t *testing.T) {
	var calls []string
	r := NewRouterBuilder(recordingHandler("default", &calls)).
		Resource("sensors/#", recordingHandler("sensors", &calls)).
		Build()

	item := packetItem(&packets.PublishPacket{
		Topic: "",
		Properties: &packets.Properties{
			Presence:   packets.PresTopicAlias,
			TopicAlias: 99,
		},
	})
	_, err := r.Call(context.Background(), item)
	require.NoError(t, err)
	require.Equal(t, []string{"default"}, calls)
}

func TestRouterReadyAggregatesHandlers(t *testing.T) {
	boom := HandlerFunc(func(ctx context.Context, item *DispatcherItem) (packets.Packet, error) {
		return nil, nil
	})
	failing := failingReadyHandler{err: ErrDisconnected}

	r := NewRouterBuilder(boom).Resource("a/#", failing).Build()
	err := r.Ready(context.Background())
	require.ErrorIs(t, err, ErrDisconnected)
}

type failingReadyHandler struct {
	err error
}

func (h failingReadyHandler) Ready(context.Context) error { return h.err }
func (h failingReadyHandler) Call(context.Context, *DispatcherItem) (packets.Packet, error) {
	return nil, nil
}
func (h failingReadyHandler) Shutdown(context.Context) error { return nil }
