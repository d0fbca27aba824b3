package mqttd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gonzalop/mqttd/internal/packets"
)

// HandshakeResult is what a Handshake learns before the Dispatcher's
// event loop starts (§6): the negotiated protocol version, an optional
// packet the dispatcher writes before its first read (typically a
// CONNACK), and a per-connection keepalive negotiated during that
// handshake rather than fixed at builder construction time.
type HandshakeResult struct {
	Version   uint8
	Out       packets.Packet
	Keepalive uint16
}

// Handshake negotiates the protocol version for conn before the
// Dispatcher's event loop starts. Handshake is the seam the
// CONNECT/CONNACK exchange plugs into: NewConnectHandshake supplies a
// default one, and a caller may pass its own. Returning ErrHandshakeTimeout
// tells Serve the connection should simply be closed, not treated as a
// failure (§4.5).
type Handshake func(ctx context.Context, conn io.ReadWriter) (HandshakeResult, error)

// ConnectionService runs one connection end to end: handshake, then the
// Dispatcher's event loop. Both Builder and FramedBuilder produce a
// ConnectionService; they differ only in how the handshake's input is
// obtained.
type ConnectionService struct {
	handshake Handshake
	handler   Handler
	opts      []DispatcherOption
}

// logger recovers the structured logger configured via the builder's
// DispatcherOptions, for the handful of log lines Serve itself emits
// outside of the Dispatcher it eventually constructs.
func (s *ConnectionService) logger() *slog.Logger {
	o := defaultDispatcherOptions()
	for _, opt := range s.opts {
		opt(o)
	}
	return o.Logger
}

// Serve negotiates the version over conn and runs a Dispatcher until
// the connection closes, ctx is cancelled, or a fatal error occurs. A
// Handshake that fails with ErrHandshakeTimeout is not an error: Serve
// logs it and returns nil, leaving the connection closed (§4.5).
func (s *ConnectionService) Serve(ctx context.Context, conn io.ReadWriter) error {
	res, err := s.handshake(ctx, conn)
	if err != nil {
		if errors.Is(err, ErrHandshakeTimeout) {
			s.logger().Warn("handshake did not complete within its deadline, closing connection")
			return nil
		}
		return fmt.Errorf("handshake: %w", err)
	}

	if res.Out != nil {
		if _, err := res.Out.WriteTo(conn); err != nil {
			return &SendPacketError{Err: err}
		}
	}

	opts := s.opts
	if res.Keepalive > 0 {
		opts = append(append([]DispatcherOption(nil), s.opts...), WithKeepalive(time.Duration(res.Keepalive)*time.Second))
	}
	return NewDispatcher(conn, res.Version, s.handler, opts...).Run(ctx)
}

// Builder constructs a ConnectionService over a raw, not-yet-negotiated
// transport: the caller supplies a Handshake that inspects conn and
// reports the protocol version.
type Builder struct {
	handler           Handler
	disconnectTimeout time.Duration
	opts              []DispatcherOption
}

// NewBuilder starts a raw-transport connection builder for handler.
func NewBuilder(handler Handler) *Builder {
	return &Builder{handler: handler, disconnectTimeout: 3000 * time.Millisecond}
}

// DisconnectTimeout bounds graceful shutdown, like WithDisconnectTimeout.
// Defaults to 3 seconds; zero disables the bound.
func (b *Builder) DisconnectTimeout(d time.Duration) *Builder {
	b.disconnectTimeout = d
	return b
}

// Options appends DispatcherOptions applied to every connection this
// builder serves.
func (b *Builder) Options(opts ...DispatcherOption) *Builder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build finalizes the builder, performing handshake on each Serve call
// to learn the connection's protocol version (and, optionally, its
// initial outbound packet and negotiated keepalive).
func (b *Builder) Build(handshake Handshake) *ConnectionService {
	return &ConnectionService{
		handshake: handshake,
		handler:   b.handler,
		opts:      append([]DispatcherOption{WithDisconnectTimeout(b.disconnectTimeout)}, b.opts...),
	}
}

// FramedBuilder constructs a ConnectionService for a transport whose
// protocol version is already known — negotiated by the caller before
// handing the connection to this engine. An optional HandshakeDeadline
// bounds how long that prior negotiation is trusted to have taken; it
// has no effect on Dispatcher.Run itself.
type FramedBuilder struct {
	handler           Handler
	version           uint8
	handshakeDeadline time.Duration
	disconnectTimeout time.Duration
	opts              []DispatcherOption
}

// NewFramedBuilder starts a pre-negotiated connection builder for
// handler at the given protocol version (4 for v3.1.1, 5 for v5.0).
func NewFramedBuilder(handler Handler, version uint8) *FramedBuilder {
	return &FramedBuilder{handler: handler, version: version, disconnectTimeout: 3000 * time.Millisecond}
}

// HandshakeDeadline bounds the trivial version-confirmation step Build
// wraps around the already-known version. Zero (the default) means no
// bound.
func (b *FramedBuilder) HandshakeDeadline(d time.Duration) *FramedBuilder {
	b.handshakeDeadline = d
	return b
}

// DisconnectTimeout bounds graceful shutdown. Defaults to 3 seconds;
// zero disables the bound.
func (b *FramedBuilder) DisconnectTimeout(d time.Duration) *FramedBuilder {
	b.disconnectTimeout = d
	return b
}

// Options appends DispatcherOptions applied to every connection this
// builder serves.
func (b *FramedBuilder) Options(opts ...DispatcherOption) *FramedBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build finalizes the builder with a Handshake that simply confirms the
// known version within HandshakeDeadline, if set. The confirmation runs
// on its own goroutine and races against the deadline timer and ctx, so
// a deadline that fires first yields ErrHandshakeTimeout rather than
// blocking the caller.
func (b *FramedBuilder) Build() *ConnectionService {
	version := b.version
	deadline := b.handshakeDeadline
	handshake := func(ctx context.Context, _ io.ReadWriter) (HandshakeResult, error) {
		if deadline <= 0 {
			return HandshakeResult{Version: version}, nil
		}

		confirmed := make(chan HandshakeResult, 1)
		go func() { confirmed <- HandshakeResult{Version: version} }()

		timer := time.NewTimer(deadline)
		defer timer.Stop()

		select {
		case res := <-confirmed:
			return res, nil
		case <-timer.C:
			return HandshakeResult{}, ErrHandshakeTimeout
		case <-ctx.Done():
			return HandshakeResult{}, ctx.Err()
		}
	}
	return &ConnectionService{
		handshake: handshake,
		handler:   b.handler,
		opts:      append([]DispatcherOption{WithDisconnectTimeout(b.disconnectTimeout)}, b.opts...),
	}
}
