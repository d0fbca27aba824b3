package mqttd

import (
	"context"

	"github.com/gonzalop/mqttd/internal/packets"
)

// DispatcherItemKind classifies the unit the dispatcher delivers to a
// Handler (§3).
type DispatcherItemKind uint8

const (
	// ItemPacket carries a successfully decoded inbound packet.
	ItemPacket DispatcherItemKind = iota
	// ItemKeepAliveTimeout notifies the handler that no inbound bytes
	// arrived within the keepalive window.
	ItemKeepAliveTimeout
	// ItemDecoderError carries a framing or packet-body decode failure.
	ItemDecoderError
	// ItemEncoderError carries a failure encoding a previously-returned
	// response packet.
	ItemEncoderError
)

// DispatcherItem is the unit delivered to a Handler. Exactly one of
// Packet or Err is meaningful, depending on Kind.
type DispatcherItem struct {
	Kind   DispatcherItemKind
	Packet packets.Packet
	Err    error
}

func packetItem(p packets.Packet) *DispatcherItem {
	return &DispatcherItem{Kind: ItemPacket, Packet: p}
}

func keepAliveTimeoutItem() *DispatcherItem {
	return &DispatcherItem{Kind: ItemKeepAliveTimeout, Err: ErrKeepAliveTimeout}
}

func decoderErrorItem(err error) *DispatcherItem {
	return &DispatcherItem{Kind: ItemDecoderError, Err: err}
}

func encoderErrorItem(err error) *DispatcherItem {
	return &DispatcherItem{Kind: ItemEncoderError, Err: err}
}

// Publish is the public view of an inbound PUBLISH packet. Handler
// implementations outside this module cannot type-assert
// DispatcherItem.Packet (it is an internal/packets type); AsPublish is
// the supported way to read a publish request's fields instead.
type Publish struct {
	Topic      string
	Payload    []byte
	QoS        QoS
	Retain     bool
	Duplicate  bool
	PacketID   uint16
	Properties *Properties
}

// AsPublish returns item's PUBLISH fields and true when Kind is
// ItemPacket and the decoded packet is a PUBLISH. Handlers that don't
// need Router's pattern-based dispatch can use this directly; Router
// itself uses the same underlying packet to additionally resolve
// topic aliases (§4.4), which AsPublish does not do.
func (item *DispatcherItem) AsPublish() (*Publish, bool) {
	pub, ok := item.Packet.(*packets.PublishPacket)
	if !ok {
		return nil, false
	}
	return &Publish{
		Topic:      pub.Topic,
		Payload:    pub.Payload,
		QoS:        QoS(pub.QoS),
		Retain:     pub.Retain,
		Duplicate:  pub.Dup,
		PacketID:   pub.PacketID,
		Properties: toPublicProperties(pub.Properties),
	}, true
}

// Handler is the capability the Dispatcher is polymorphic over (§9
// Polymorphism). Router is one implementation; callers may supply their
// own for simpler connections.
//
// Call may be invoked concurrently from the dispatcher for multiple
// outstanding DispatcherItems (§9 "Concurrent handler invocations");
// implementations that need to serialize must do so internally.
type Handler interface {
	// Ready reports whether the handler can currently accept Call. It
	// blocks until ready or ctx is done.
	Ready(ctx context.Context) error

	// Call processes one DispatcherItem, optionally returning a packet
	// to write back to the peer. A nil packet with a nil error means
	// nothing is written. A non-nil error is fatal to the connection.
	Call(ctx context.Context, item *DispatcherItem) (packets.Packet, error)

	// Shutdown is invoked once graceful shutdown begins, after the
	// dispatcher has stopped issuing new Call invocations.
	Shutdown(ctx context.Context) error
}

// HandlerFunc adapts a plain function to a Handler whose Ready and
// Shutdown are always immediately satisfied.
type HandlerFunc func(ctx context.Context, item *DispatcherItem) (packets.Packet, error)

func (f HandlerFunc) Ready(context.Context) error { return nil }

func (f HandlerFunc) Call(ctx context.Context, item *DispatcherItem) (packets.Packet, error) {
	return f(ctx, item)
}

func (f HandlerFunc) Shutdown(context.Context) error { return nil }
