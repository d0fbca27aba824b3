package mqttd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gonzalop/mqttd/internal/clock"
	"github.com/gonzalop/mqttd/internal/packets"
)

// Dispatcher owns one connection's event loop: it decodes inbound
// bytes into packets, correlates acks against the connection's Sink,
// hands everything else to a Handler, and writes back whatever the
// handler or Sink produces. One Dispatcher per connection; it is not
// safe to share across connections (§4.1, §5).
type Dispatcher struct {
	conn    io.ReadWriter
	version uint8
	opts    *dispatcherOptions
	handler Handler
	sink    *Sink

	out  chan packets.Packet
	done chan struct{}

	clock  *clock.Source
	logger *slog.Logger
}

// NewDispatcher builds a Dispatcher over conn, an already-negotiated
// connection (the CONNECT/CONNACK handshake runs before the Dispatcher
// exists, for example as the Handshake of a ConnectionService). version
// is 4 for MQTT 3.1.1 or 5 for MQTT 5.0.
//
// The Dispatcher builds its own Sink with only WithSinkLogger set to the
// dispatcher's logger, so that Sink always has the default receive
// maximum of 65535.
func NewDispatcher(conn io.ReadWriter, version uint8, handler Handler, opts ...DispatcherOption) *Dispatcher {
	o := defaultDispatcherOptions()
	for _, opt := range opts {
		opt(o)
	}
	done := make(chan struct{})
	out := make(chan packets.Packet, 16)
	d := &Dispatcher{
		conn:    conn,
		version: version,
		opts:    o,
		handler: handler,
		out:     out,
		done:    done,
		clock:   clock.Default(),
		logger:  o.Logger.With("component", "dispatcher"),
	}
	d.sink = newSink(out, done, version, WithSinkLogger(o.Logger))
	return d
}

// Sink returns the connection's Sink, for originating server-to-client
// publishes, subscribes, and unsubscribes.
func (d *Dispatcher) Sink() *Sink {
	return d.sink
}

// handlerResult is one handler.Call invocation's outcome, multiplexed
// back into Run's select loop by the goroutine that made the call.
type handlerResult struct {
	resp packets.Packet
	err  error
}

// Run decodes and dispatches until the connection closes, ctx is
// cancelled, a ProtocolError occurs, or the handler returns an error.
// It always closes the Dispatcher's internal done channel before
// returning, unblocking any Sink call in progress with ErrDisconnected.
//
// Multiple handler.Call invocations may be outstanding at once: each
// non-inline item is dispatched to the handler from its own goroutine,
// and results are written back to the peer in the order the handler
// resolves them, not necessarily the order the requests arrived (§4.2,
// §5).
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer close(d.done)

	incoming := make(chan *DispatcherItem, 1)
	go d.readLoop(incoming)

	results := make(chan handlerResult, 16)

	// Keepalive is enforced against the shared second-granularity clock
	// rather than a per-connection deadline timer: lastActivity is a
	// clock tick, not a wall-clock instant, and a 1Hz ticker is the only
	// per-connection timer needed regardless of the configured keepalive
	// (§9 "Global state").
	var keepaliveTick <-chan time.Time
	var keepaliveSeconds int64
	var lastActivity int64
	if d.opts.Keepalive > 0 {
		keepaliveSeconds = int64(d.opts.Keepalive / time.Second)
		if keepaliveSeconds == 0 {
			keepaliveSeconds = 1
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		keepaliveTick = ticker.C
		lastActivity = d.clock.Now()
	}

	for {
		select {
		case item, ok := <-incoming:
			if !ok {
				return nil
			}
			lastActivity = d.clock.Now()
			if item.Kind == ItemPacket {
				if _, ok := item.Packet.(*packets.DisconnectPacket); ok {
					return d.gracefulShutdown()
				}
			}

			resp, handled, err := d.dispatchInline(ctx, item)
			if handled {
				if err != nil {
					return err
				}
				if resp != nil {
					if _, err := resp.WriteTo(d.conn); err != nil {
						return &SendPacketError{Err: err}
					}
				}
				continue
			}

			wg.Add(1)
			go func(item *DispatcherItem) {
				defer wg.Done()
				resp, err := d.handler.Call(ctx, item)
				select {
				case results <- handlerResult{resp: resp, err: err}:
				case <-d.done:
				}
			}(item)

		case hr := <-results:
			if hr.err != nil {
				return hr.err
			}
			if hr.resp != nil {
				if _, err := hr.resp.WriteTo(d.conn); err != nil {
					return &SendPacketError{Err: err}
				}
			}

		case pkt := <-d.out:
			if _, err := pkt.WriteTo(d.conn); err != nil {
				return &SendPacketError{Err: err}
			}
			d.logger.Debug("sent packet", "type", packets.PacketNames[pkt.Type()])

		case <-d.sink.closed():
			return d.gracefulShutdown()

		case <-keepaliveTick:
			if d.clock.Now()-lastActivity < keepaliveSeconds {
				continue
			}
			err := &ProtocolError{Err: ErrKeepAliveTimeout}
			if _, callErr := d.handler.Call(ctx, keepAliveTimeoutItem()); callErr != nil {
				d.logger.Warn("handler error on keepalive timeout", "err", callErr)
			}
			if shutdownErr := d.gracefulShutdown(); shutdownErr != nil {
				d.logger.Warn("handler shutdown error after keepalive timeout", "err", shutdownErr)
			}
			return err

		case <-ctx.Done():
			return d.gracefulShutdown()
		}
	}
}

// gracefulShutdown calls the handler's Shutdown with a context bounded
// by DisconnectTimeout (unbounded when it is zero). It does not flush,
// half-close or drain the transport, and it does not wait for
// outstanding handler calls; Run's deferred wait does that after
// gracefulShutdown returns, with no time bound.
func (d *Dispatcher) gracefulShutdown() error {
	ctx := context.Background()
	var cancel context.CancelFunc
	if d.opts.DisconnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.opts.DisconnectTimeout)
		defer cancel()
	}
	return d.handler.Shutdown(ctx)
}

// dispatchInline answers the items that never need a handler: ack-
// family packets are correlated against the Sink and PINGREQ is
// answered immediately, both inline on Run's goroutine since neither
// blocks on handler logic. Everything else is left to the caller to
// hand off to the handler.
func (d *Dispatcher) dispatchInline(ctx context.Context, item *DispatcherItem) (resp packets.Packet, handled bool, err error) {
	if item.Kind != ItemPacket {
		return nil, false, nil
	}
	switch pkt := item.Packet.(type) {
	case *packets.PubackPacket, *packets.PubrecPacket, *packets.PubcompPacket,
		*packets.SubackPacket, *packets.UnsubackPacket:
		return nil, true, d.sink.HandleAck(ctx, pkt)
	case *packets.PingreqPacket:
		_, err := (&packets.PingrespPacket{}).WriteTo(d.conn)
		return nil, true, err
	}
	return nil, false, nil
}

// readLoop decodes frames from the connection and feeds decoded items
// to out, closing out when the connection is done. It runs in its own
// goroutine because io.Reader.Read has no context-cancellation hook
// (§4.1, §5).
func (d *Dispatcher) readLoop(out chan<- *DispatcherItem) {
	defer close(out)

	decoder := packets.NewFrameDecoder(d.opts.MaxSize)
	chunkPtr := packets.GetBuffer(4096)
	defer packets.PutBuffer(chunkPtr)
	chunk := *chunkPtr

	buf := make([]byte, 0, 4096)

	for {
		for {
			pkt, consumed, err := decoder.Decode(buf, d.version)
			if err != nil {
				select {
				case out <- decoderErrorItem(&DecodeError{Err: err}):
				case <-d.done:
				}
				return
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]
			d.logger.Debug("received packet", "type", packets.PacketNames[pkt.Type()])
			select {
			case out <- packetItem(pkt):
			case <-d.done:
				return
			}
		}

		n, err := d.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case out <- decoderErrorItem(fmt.Errorf("read: %w", err)):
				case <-d.done:
				}
			}
			return
		}
	}
}
