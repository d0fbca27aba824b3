package mqttd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqttd/internal/packets"
)

func TestDispatcherItemAsPublishExposesFields(t *testing.T) {
	item := packetItem(&packets.PublishPacket{
		Topic:    "sensors/a",
		Payload:  []byte("22.5"),
		QoS:      1,
		Retain:   true,
		Dup:      true,
		PacketID: 7,
	})

	pub, ok := item.AsPublish()
	require.True(t, ok)
	require.Equal(t, "sensors/a", pub.Topic)
	require.Equal(t, []byte("22.5"), pub.Payload)
	require.Equal(t, AtLeastOnce, pub.QoS)
	require.True(t, pub.Retain)
	require.True(t, pub.Duplicate)
	require.Equal(t, uint16(7), pub.PacketID)
	require.Nil(t, pub.Properties)
}

func TestDispatcherItemAsPublishExposesProperties(t *testing.T) {
	item := packetItem(&packets.PublishPacket{
		Topic:   "a",
		Version: 5,
		Properties: &packets.Properties{
			Presence:    packets.PresContentType,
			ContentType: "application/json",
		},
	})

	pub, ok := item.AsPublish()
	require.True(t, ok)
	require.NotNil(t, pub.Properties)
	require.Equal(t, "application/json", pub.Properties.ContentType)
}

func TestDispatcherItemAsPublishFalseForOtherKinds(t *testing.T) {
	_, ok := keepAliveTimeoutItem().AsPublish()
	require.False(t, ok)

	_, ok = packetItem(&packets.PingreqPacket{}).AsPublish()
	require.False(t, ok)
}
