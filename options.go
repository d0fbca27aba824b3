package mqttd

import (
	"io"
	"log/slog"
	"time"
)

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dispatcherOptions holds configuration for a Dispatcher.
type dispatcherOptions struct {
	// Keepalive is the inbound-silence duration after which the
	// dispatcher delivers an ItemKeepAliveTimeout item and begins
	// shutdown. Enforced against the process-wide second-granularity
	// clock, so it is truncated to whole seconds (minimum 1s once
	// enabled). Zero disables keepalive enforcement.
	Keepalive time.Duration

	// DisconnectTimeout bounds the context passed to the Handler's
	// Shutdown during graceful shutdown. The transport is not half-closed
	// or drained. Zero disables the bound (wait indefinitely).
	DisconnectTimeout time.Duration

	// MaxSize is the codec's maximum accepted frame remaining-length.
	// Zero means unlimited.
	MaxSize int

	Logger *slog.Logger
}

func defaultDispatcherOptions() *dispatcherOptions {
	return &dispatcherOptions{
		DisconnectTimeout: 3000 * time.Millisecond,
		Logger:            defaultLogger(),
	}
}

// DispatcherOption configures a Dispatcher at construction time.
type DispatcherOption func(*dispatcherOptions)

// WithKeepalive sets the inbound-silence timeout. The zero value
// disables keepalive enforcement.
func WithKeepalive(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) { o.Keepalive = d }
}

// WithDisconnectTimeout sets how long graceful shutdown waits for the
// Handler's Shutdown. Zero disables the bound.
func WithDisconnectTimeout(d time.Duration) DispatcherOption {
	return func(o *dispatcherOptions) { o.DisconnectTimeout = d }
}

// WithMaxSize sets the codec's maximum accepted frame remaining-length.
// Zero (the default) means unlimited.
func WithMaxSize(n int) DispatcherOption {
	return func(o *dispatcherOptions) { o.MaxSize = n }
}

// WithDispatcherLogger sets the structured logger used for packet and
// protocol-violation logging. Defaults to a discarding logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(o *dispatcherOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// sinkOptions holds configuration for a Sink.
type sinkOptions struct {
	// ReceiveMaximum bounds concurrently in-flight ack-expecting sends:
	// QoS > 0 publishes, subscribes and unsubscribes.
	ReceiveMaximum uint16

	Logger *slog.Logger
}

func defaultSinkOptions() *sinkOptions {
	return &sinkOptions{
		ReceiveMaximum: 65535,
		Logger:         defaultLogger(),
	}
}

// SinkOption configures a Sink at construction time.
type SinkOption func(*sinkOptions)

// WithReceiveMaximum sets the cap on concurrently in-flight ack-expecting
// sends (QoS > 0 publishes, subscribes and unsubscribes). A value of zero
// falls back to the protocol maximum, 65535.
func WithReceiveMaximum(n uint16) SinkOption {
	return func(o *sinkOptions) {
		if n > 0 {
			o.ReceiveMaximum = n
		}
	}
}

// WithSinkLogger sets the structured logger used for ack-correlation
// logging. Defaults to a discarding logger.
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(o *sinkOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}
