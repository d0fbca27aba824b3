// Package mqttd implements the server side of an MQTT v3.1.1 and v5.0
// connection: framing, a per-connection event loop, ack-correlated
// server-originated sends, and topic-based dispatch. It has no opinion
// on transport — TCP/TLS listening and session persistence are the
// caller's concern — but it does supply a default CONNECT/CONNACK
// handshake for callers who want one.
//
// # Quick Start
//
// Wire up a Router and serve a raw connection, negotiating the
// protocol version from the peer's own CONNECT:
//
//	router := mqttd.NewRouterBuilder(defaultHandler).
//	    Resource("sensors/+/temperature", temperatureHandler).
//	    Build()
//
//	svc := mqttd.NewBuilder(router).Build(mqttd.NewConnectHandshake())
//	err := svc.Serve(ctx, conn)
//
// A transport that has already negotiated the version out of band
// (a framed gateway, a test harness) uses FramedBuilder instead and
// skips the CONNECT/CONNACK exchange entirely.
//
// # Core Types
//
//   - Dispatcher drives one connection's event loop: decoding inbound
//     bytes, correlating acks against its Sink, and handing everything
//     else to a Handler.
//   - Sink originates publishes, subscribes, and unsubscribes toward
//     the peer, returning a Token per send that completes on ack, and
//     also exposes Ping and Close for server-initiated keepalive and
//     shutdown.
//   - Router dispatches inbound PUBLISH packets to the Handler
//     registered for the first matching topic pattern, in registration
//     order, resolving v5.0 topic aliases along the way.
//   - Handler is the capability Dispatcher and Router are both built
//     on: Ready, Call, and Shutdown. Call may run concurrently across
//     outstanding items; a Handler that needs to serialize must do so
//     itself.
//
// # Configuration
//
// Dispatcher, Sink, and Router are each configured with functional
// options at construction time:
//
//   - WithKeepalive(d) / WithDisconnectTimeout(d) / WithMaxSize(n) /
//     WithDispatcherLogger(l) — Dispatcher.
//   - WithReceiveMaximum(n) / WithSinkLogger(l) — Sink. NewDispatcher
//     builds its Sink itself and passes only WithSinkLogger, so a
//     Dispatcher's Sink uses the default receive maximum of 65535.
//   - WithRouterLogger(l) — Router.
//
// # Error Handling
//
// SendPacketError, ProtocolError, DecodeError, and EncodeError wrap a
// sentinel cause (ErrDisconnected, ErrPacketIDMismatch,
// ErrKeepAliveTimeout, and friends); callers branch with errors.Is and
// errors.As rather than string matching.
package mqttd
