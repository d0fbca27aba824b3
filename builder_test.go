package mqttd

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqttd/internal/packets"
)

func TestBuilderServeRunsHandshakeThenDispatcher(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	received := make(chan struct{}, 1)
	h := HandlerFunc(func(ctx context.Context, item *DispatcherItem) (packets.Packet, error) {
		if item.Kind == ItemPacket {
			received <- struct{}{}
		}
		return nil, nil
	})

	sawHandshake := make(chan struct{}, 1)
	svc := NewBuilder(h).Build(func(ctx context.Context, c io.ReadWriter) (HandshakeResult, error) {
		sawHandshake <- struct{}{}
		return HandshakeResult{Version: 4}, nil
	})

	go svc.Serve(context.Background(), conn)
	go func() { (&packets.PingreqPacket{}).WriteTo(peer) }()

	buf := make([]byte, 2)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := peer.Read(buf)
	require.NoError(t, err)

	select {
	case <-sawHandshake:
	default:
		t.Fatal("handshake callback was not invoked")
	}
}

func TestFramedBuilderSkipsHandshakeCallback(t *testing.T) {
	peer, conn := net.Pipe()
	defer peer.Close()
	defer conn.Close()

	h := HandlerFunc(func(ctx context.Context, item *DispatcherItem) (packets.Packet, error) {
		return nil, nil
	})
	svc := NewFramedBuilder(h, 5).Build()
	go svc.Serve(context.Background(), conn)

	go func() { (&packets.PingreqPacket{}).WriteTo(peer) }()
	buf := make([]byte, 2)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := peer.Read(buf)
	require.NoError(t, err)
}
