package mqttd

import (
	"context"
	"fmt"
	"io"

	"github.com/gonzalop/mqttd/internal/packets"
)

// connectHandshakeOptions configures NewConnectHandshake.
type connectHandshakeOptions struct {
	MaxSize   int
	Authorize func(*packets.ConnectPacket) (uint8, error)
}

func defaultConnectHandshakeOptions() *connectHandshakeOptions {
	return &connectHandshakeOptions{}
}

// ConnectHandshakeOption configures a Handshake built by
// NewConnectHandshake.
type ConnectHandshakeOption func(*connectHandshakeOptions)

// WithConnectMaxSize bounds the CONNECT frame's remaining length
// accepted during the handshake, the same contract as WithMaxSize on
// the Dispatcher it hands the connection off to.
func WithConnectMaxSize(n int) ConnectHandshakeOption {
	return func(o *connectHandshakeOptions) { o.MaxSize = n }
}

// WithConnectAuthorizer installs a callback invoked with the decoded
// CONNECT before CONNACK is built. It returns the CONNACK return code
// to send (packets.ConnAccepted for success, one of the
// packets.ConnRefused* codes to refuse). An error instead aborts the
// handshake entirely, without writing a CONNACK at all.
func WithConnectAuthorizer(f func(*packets.ConnectPacket) (uint8, error)) ConnectHandshakeOption {
	return func(o *connectHandshakeOptions) { o.Authorize = f }
}

// NewConnectHandshake returns a Handshake that performs the CONNECT /
// CONNACK exchange itself: it reads the peer's CONNECT directly off
// conn, negotiates protocol version 4 or 5 from its protocol level,
// optionally authorizes it, and returns a HandshakeResult whose Out is
// the CONNACK to write and whose Keepalive is the value the peer asked
// for (§1, §4.2 "Initial outbound").
//
// Callers with their own negotiation — an external gateway that already
// consumed the CONNECT, or a framed transport that never sees one at
// all — should use Builder or FramedBuilder directly with a Handshake
// of their own instead.
func NewConnectHandshake(opts ...ConnectHandshakeOption) Handshake {
	o := defaultConnectHandshakeOptions()
	for _, opt := range opts {
		opt(o)
	}
	return func(ctx context.Context, conn io.ReadWriter) (HandshakeResult, error) {
		pkt, err := readConnect(conn, o.MaxSize)
		if err != nil {
			return HandshakeResult{}, fmt.Errorf("read connect: %w", err)
		}
		if pkt.ProtocolLevel != 4 && pkt.ProtocolLevel != 5 {
			return HandshakeResult{}, fmt.Errorf("%w: protocol level %d", ErrUnsupportedProtocolLvl, pkt.ProtocolLevel)
		}

		returnCode := uint8(packets.ConnAccepted)
		if o.Authorize != nil {
			returnCode, err = o.Authorize(pkt)
			if err != nil {
				return HandshakeResult{}, err
			}
		}

		return HandshakeResult{
			Version:   pkt.ProtocolLevel,
			Out:       &packets.ConnackPacket{ReturnCode: returnCode},
			Keepalive: pkt.KeepAlive,
		}, nil
	}
}

// readConnect decodes exactly one CONNECT packet from conn, reading
// incrementally the same way the dispatcher's readLoop does (§4.1).
// CONNECT's decoder ignores the version argument — the protocol level
// lives in the packet body itself — so version 0 is passed through the
// frame decoder until the body reveals which one this connection is.
func readConnect(conn io.Reader, maxSize int) (*packets.ConnectPacket, error) {
	decoder := packets.NewFrameDecoder(maxSize)
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)

	for {
		pkt, consumed, err := decoder.Decode(buf, 0)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		if consumed > 0 {
			connect, ok := pkt.(*packets.ConnectPacket)
			if !ok {
				return nil, fmt.Errorf("expected CONNECT, got %T", pkt)
			}
			return connect, nil
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}
