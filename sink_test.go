package mqttd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonzalop/mqttd/internal/packets"
)

func newTestSink(t *testing.T, opts ...SinkOption) (*Sink, chan packets.Packet, chan struct{}) {
	t.Helper()
	out := make(chan packets.Packet, 8)
	done := make(chan struct{})
	return newSink(out, done, 4, opts...), out, done
}

func TestSinkPublishQoS0CompletesImmediately(t *testing.T) {
	s, out, _ := newTestSink(t)

	tok, err := s.Publish(context.Background(), "a/b", uint8(AtMostOnce), false, []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tok.Error())

	select {
	case <-tok.Done():
	default:
		t.Fatal("QoS 0 token should already be complete")
	}

	pkt := <-out
	pub, ok := pkt.(*packets.PublishPacket)
	require.True(t, ok)
	require.Equal(t, uint16(0), pub.PacketID)
}

func TestSinkPublishQoS1CompletesOnPuback(t *testing.T) {
	s, out, _ := newTestSink(t)

	tok, err := s.Publish(context.Background(), "a/b", uint8(AtLeastOnce), false, []byte("hi"))
	require.NoError(t, err)

	pkt := <-out
	pub := pkt.(*packets.PublishPacket)
	require.Equal(t, uint16(1), pub.PacketID)

	select {
	case <-tok.Done():
		t.Fatal("token should not complete before the ack arrives")
	default:
	}

	require.NoError(t, s.HandleAck(context.Background(), &packets.PubackPacket{PacketID: pub.PacketID}))

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("token did not complete after ack")
	}
	require.NoError(t, tok.Error())
}

func TestSinkPublishQoS2SendsAutomaticPubrel(t *testing.T) {
	s, out, _ := newTestSink(t)

	tok, err := s.Publish(context.Background(), "a/b", uint8(ExactlyOnce), false, []byte("hi"))
	require.NoError(t, err)
	pub := (<-out).(*packets.PublishPacket)

	require.NoError(t, s.HandleAck(context.Background(), &packets.PubrecPacket{PacketID: pub.PacketID}))

	rel := (<-out).(*packets.PubrelPacket)
	require.Equal(t, pub.PacketID, rel.PacketID)

	select {
	case <-tok.Done():
		t.Fatal("token should not complete on PUBREC alone")
	default:
	}

	require.NoError(t, s.HandleAck(context.Background(), &packets.PubcompPacket{PacketID: pub.PacketID}))
	<-tok.Done()
	require.NoError(t, tok.Error())
}

func TestSinkAckPacketIDMismatchIsProtocolError(t *testing.T) {
	s, out, _ := newTestSink(t)

	_, err := s.Publish(context.Background(), "a/b", uint8(AtLeastOnce), false, []byte("hi"))
	require.NoError(t, err)
	<-out

	err = s.HandleAck(context.Background(), &packets.PubackPacket{PacketID: 99})
	require.Error(t, err)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestSinkAckTypeMismatchIsProtocolError(t *testing.T) {
	s, out, _ := newTestSink(t)

	tok, err := s.Subscribe(context.Background(), []string{"a/b"}, []uint8{0})
	require.NoError(t, err)
	sub := (<-out).(*packets.SubscribePacket)

	err = s.HandleAck(context.Background(), &packets.UnsubackPacket{PacketID: sub.PacketID})
	require.Error(t, err)
	var unexpected *UnexpectedAckError
	require.ErrorAs(t, err, &unexpected)
	require.Equal(t, AckUnsubscribe, unexpected.Got)
	require.Equal(t, AckSubscribe, unexpected.Expected)

	select {
	case <-tok.Done():
		t.Fatal("subscribe token must not complete on a mismatched ack")
	default:
	}
}

func TestSinkPublishReceiveMaximumBlocksUntilCredit(t *testing.T) {
	s, out, _ := newTestSink(t, WithReceiveMaximum(1))

	_, err := s.Publish(context.Background(), "a", uint8(AtLeastOnce), false, nil)
	require.NoError(t, err)
	first := (<-out).(*packets.PublishPacket)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Publish(ctx, "b", uint8(AtLeastOnce), false, nil)
	require.Error(t, err)

	require.NoError(t, s.HandleAck(context.Background(), &packets.PubackPacket{PacketID: first.PacketID}))

	_, err = s.Publish(context.Background(), "c", uint8(AtLeastOnce), false, nil)
	require.NoError(t, err)
}

func TestSinkSendFailsAfterDone(t *testing.T) {
	s, _, done := newTestSink(t)
	close(done)

	_, err := s.Publish(context.Background(), "a", uint8(AtMostOnce), false, nil)
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestSinkUnsubscribeCompletesOnUnsuback(t *testing.T) {
	s, out, _ := newTestSink(t)

	tok, err := s.Unsubscribe(context.Background(), []string{"a/b"})
	require.NoError(t, err)
	unsub := (<-out).(*packets.UnsubscribePacket)

	require.NoError(t, s.HandleAck(context.Background(), &packets.UnsubackPacket{PacketID: unsub.PacketID}))
	<-tok.Done()
	require.NoError(t, tok.Error())
}

func TestSinkSubscribeReceiveMaximumBlocksUntilCredit(t *testing.T) {
	s, out, _ := newTestSink(t, WithReceiveMaximum(1))

	_, err := s.Subscribe(context.Background(), []string{"a"}, []uint8{0})
	require.NoError(t, err)
	first := (<-out).(*packets.SubscribePacket)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Subscribe(ctx, []string{"b"}, []uint8{0})
	require.Error(t, err)

	require.NoError(t, s.HandleAck(context.Background(), &packets.SubackPacket{PacketID: first.PacketID}))

	_, err = s.Subscribe(context.Background(), []string{"c"}, []uint8{0})
	require.NoError(t, err)
}

func TestSinkUnsubscribeReceiveMaximumBlocksUntilCredit(t *testing.T) {
	s, out, _ := newTestSink(t, WithReceiveMaximum(1))

	_, err := s.Unsubscribe(context.Background(), []string{"a"})
	require.NoError(t, err)
	first := (<-out).(*packets.UnsubscribePacket)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Unsubscribe(ctx, []string{"b"})
	require.Error(t, err)

	require.NoError(t, s.HandleAck(context.Background(), &packets.UnsubackPacket{PacketID: first.PacketID}))

	_, err = s.Unsubscribe(context.Background(), []string{"c"})
	require.NoError(t, err)
}

func TestSinkSubscribeRejectsInvalidFilter(t *testing.T) {
	s, _, _ := newTestSink(t)

	_, err := s.Subscribe(context.Background(), []string{"a/+b"}, []uint8{0})
	require.Error(t, err)
}

func TestSinkPublishRejectsNonUTF8WithPayloadFormatIndicator(t *testing.T) {
	s, _, _ := newTestSink(t)

	utf8 := PayloadFormatUTF8
	_, err := s.Publish(context.Background(), "a/b", uint8(AtMostOnce), false, []byte{0xff, 0xfe},
		WithPublishProperties(&Properties{PayloadFormat: &utf8}))
	require.Error(t, err)
}

func TestSinkPingSendsPingreqWithoutCreditOrPacketID(t *testing.T) {
	s, out, _ := newTestSink(t, WithReceiveMaximum(1))

	require.NoError(t, s.Ping(context.Background()))
	pkt := <-out
	_, ok := pkt.(*packets.PingreqPacket)
	require.True(t, ok)
}

func TestSinkCloseSignalsDispatcher(t *testing.T) {
	s, _, _ := newTestSink(t)

	select {
	case <-s.closed():
		t.Fatal("sink should not be closed yet")
	default:
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	select {
	case <-s.closed():
	default:
		t.Fatal("Close should have signalled the dispatcher")
	}
}

func TestSinkDisconnectFailsOutstandingTokensWithDisconnected(t *testing.T) {
	s, out, done := newTestSink(t)

	pubTok, err := s.Publish(context.Background(), "a", uint8(AtLeastOnce), false, nil)
	require.NoError(t, err)
	<-out

	subTok, err := s.Subscribe(context.Background(), []string{"b"}, []uint8{0})
	require.NoError(t, err)
	<-out

	close(done)

	for _, tok := range []Token{pubTok, subTok} {
		select {
		case <-tok.Done():
			require.ErrorIs(t, tok.Error(), ErrDisconnected)
		case <-time.After(2 * time.Second):
			t.Fatal("outstanding token was never failed on disconnect")
		}
	}
}
