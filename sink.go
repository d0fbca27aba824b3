package mqttd

import (
	"context"
	"fmt"
	"sync"

	"github.com/gonzalop/mqttd/internal/packets"
	"github.com/gonzalop/mqttd/internal/queue"
)

// AckType tags an in-flight send by the family of packet that will
// eventually acknowledge it (§3).
type AckType uint8

const (
	AckPublish AckType = iota
	AckSubscribe
	AckUnsubscribe
)

func (a AckType) String() string {
	switch a {
	case AckPublish:
		return "publish"
	case AckSubscribe:
		return "subscribe"
	case AckUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("AckType(%d)", uint8(a))
	}
}

// inflight is the bookkeeping the Sink keeps for one outstanding
// packet-id until its ack arrives.
type inflight struct {
	ackType    AckType
	token      *token
	qos        uint8
	pubrelSent bool
}

// packetIDSlab hands out dense packet-ids (1..65535) and recycles
// released ones, per §3 "packet-id allocation: dense slab, id =
// index+1".
type packetIDSlab struct {
	slots []*inflight
	free  []uint16
}

func (s *packetIDSlab) alloc(in *inflight) (uint16, bool) {
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[id-1] = in
		return id, true
	}
	if len(s.slots) >= 65535 {
		return 0, false
	}
	s.slots = append(s.slots, in)
	return uint16(len(s.slots)), true
}

func (s *packetIDSlab) get(id uint16) *inflight {
	if id == 0 || int(id) > len(s.slots) {
		return nil
	}
	return s.slots[id-1]
}

func (s *packetIDSlab) release(id uint16) {
	if id == 0 || int(id) > len(s.slots) {
		return
	}
	s.slots[id-1] = nil
	s.free = append(s.free, id)
}

// PublishOption customizes an outgoing PUBLISH before it is sent.
type PublishOption func(*packets.PublishPacket)

// WithPublishProperties attaches v5.0 properties to an outgoing publish.
// A v3.1.1 sink does not encode them on the wire, but Publish still
// checks the payload against a UTF-8 PayloadFormat.
func WithPublishProperties(p *Properties) PublishOption {
	return func(pkt *packets.PublishPacket) {
		pkt.Properties = toInternalProperties(p)
		if pkt.Properties != nil {
			// ReasonString is receive-only; it is never sent on a PUBLISH.
			pkt.Properties.ReasonString = ""
			pkt.Properties.Presence &^= packets.PresReasonString
		}
	}
}

// Sink is a connection's handle for originating server-to-client
// traffic: publishes, subscribes, and unsubscribes, each returning a
// Token that completes once the peer's ack arrives. A Sink is safe for
// concurrent use; the same handle may be shared by multiple goroutines
// acting on behalf of one connection (§3, §5).
type Sink struct {
	opts    *sinkOptions
	out     chan<- packets.Packet
	done    <-chan struct{}
	version uint8

	credit chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}

	mu    sync.Mutex
	slab  packetIDSlab
	order *queue.Queue[uint16]
}

// newSink builds a Sink writing to out. done is closed by the owning
// dispatcher once the connection tears down; any blocked or future send
// then fails with ErrDisconnected, and every token still outstanding at
// that moment resolves the same way (§3, §8 scenario 4).
func newSink(out chan<- packets.Packet, done <-chan struct{}, version uint8, opts ...SinkOption) *Sink {
	o := defaultSinkOptions()
	for _, opt := range opts {
		opt(o)
	}
	s := &Sink{
		opts:    o,
		out:     out,
		done:    done,
		version: version,
		credit:  make(chan struct{}, o.ReceiveMaximum),
		closeCh: make(chan struct{}),
		order:   queue.New[uint16](queue.DefaultSegmentSize),
	}
	for i := uint16(0); i < o.ReceiveMaximum; i++ {
		s.credit <- struct{}{}
	}
	go s.watchDisconnect()
	return s
}

// watchDisconnect waits for the dispatcher to tear the connection down
// and then fails every token still waiting on an ack with
// ErrDisconnected, so a caller blocked on Token.Wait never hangs past
// disconnect.
func (s *Sink) watchDisconnect() {
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := s.order.Dequeue()
		if id == nil {
			return
		}
		in := s.slab.get(*id)
		if in == nil {
			continue
		}
		s.slab.release(*id)
		in.token.complete(&SendPacketError{Err: ErrDisconnected})
	}
}

// closed reports the channel the dispatcher selects on to learn that
// Close was called.
func (s *Sink) closed() <-chan struct{} {
	return s.closeCh
}

// Close terminates the connection from the server side (§6): it
// signals the owning dispatcher to run graceful shutdown, the same
// path an inbound DISCONNECT takes. Close is idempotent and safe for
// concurrent use.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return nil
}

// Ping sends a PINGREQ to the peer. Unlike Publish, Subscribe, and
// Unsubscribe, it does not reserve a packet-id or consume receive-
// maximum credit: PINGRESP carries nothing to correlate against (§4.3,
// §9b).
func (s *Sink) Ping(ctx context.Context) error {
	return s.send(ctx, &packets.PingreqPacket{})
}

func (s *Sink) send(ctx context.Context, pkt packets.Packet) error {
	// Checked on its own first: with done closed and room left in out, a
	// single select could still pick the send case.
	select {
	case <-s.done:
		return &SendPacketError{Err: ErrDisconnected}
	default:
	}
	select {
	case s.out <- pkt:
		return nil
	case <-s.done:
		return &SendPacketError{Err: ErrDisconnected}
	case <-ctx.Done():
		return &SendPacketError{Err: ctx.Err()}
	}
}

// acquireCredit blocks until a receive-maximum slot is free, ctx is
// done, or the connection tears down. It gates every send that expects
// an ack — publish at QoS > 0, subscribe, and unsubscribe alike (§4.3:
// admission applies to "any send of a packet that requires an ack").
func (s *Sink) acquireCredit(ctx context.Context) error {
	select {
	case <-s.credit:
		return nil
	case <-s.done:
		return &SendPacketError{Err: ErrDisconnected}
	case <-ctx.Done():
		return &SendPacketError{Err: ctx.Err()}
	}
}

func (s *Sink) releaseCredit() {
	select {
	case s.credit <- struct{}{}:
	default:
	}
}

func (s *Sink) reserve(ackType AckType, tok *token, qos uint8) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.slab.alloc(&inflight{ackType: ackType, token: tok, qos: qos})
	if !ok {
		return 0, false
	}
	s.order.Enqueue(id)
	return id, true
}

func (s *Sink) release(id uint16) {
	s.mu.Lock()
	s.slab.release(id)
	s.mu.Unlock()
}

// Publish sends a PUBLISH to the peer. At QoS 0 the returned Token is
// already complete; at QoS 1 and 2 it completes once the matching
// PUBACK or PUBCOMP arrives via HandleAck.
//
// QoS > 0 publishes are admission-controlled by the sink's receive
// maximum (§4.3): Publish blocks until a slot frees up or ctx is done.
func (s *Sink) Publish(ctx context.Context, topic string, qos uint8, retain bool, payload []byte, opts ...PublishOption) (Token, error) {
	if err := validatePublishTopic(topic, 0); err != nil {
		return nil, &SendPacketError{Err: err}
	}
	if err := validatePayload(payload, 0); err != nil {
		return nil, &SendPacketError{Err: err}
	}

	pkt := &packets.PublishPacket{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
		Version: s.version,
	}
	for _, opt := range opts {
		opt(pkt)
	}

	if err := validatePayloadFormat(payload, toPublicProperties(pkt.Properties)); err != nil {
		return nil, &SendPacketError{Err: err}
	}

	if qos == uint8(AtMostOnce) {
		if err := s.send(ctx, pkt); err != nil {
			return nil, err
		}
		tok := newToken()
		tok.complete(nil)
		return tok, nil
	}

	if err := s.acquireCredit(ctx); err != nil {
		return nil, err
	}

	tok := newToken()
	id, ok := s.reserve(AckPublish, tok, qos)
	if !ok {
		s.releaseCredit()
		return nil, &SendPacketError{Err: ErrPacketIDNotAvailable}
	}
	pkt.PacketID = id

	if err := s.send(ctx, pkt); err != nil {
		s.release(id)
		s.releaseCredit()
		return nil, err
	}
	return tok, nil
}

// Subscribe sends a SUBSCRIBE for filters at the given per-filter QoS.
// The returned Token completes once the matching SUBACK arrives.
// Subscribe is admission-controlled by the sink's receive maximum, the
// same as a QoS > 0 Publish (§4.3).
func (s *Sink) Subscribe(ctx context.Context, filters []string, qos []uint8) (Token, error) {
	for _, f := range filters {
		if err := validateSubscribeTopic(f, 0); err != nil {
			return nil, &SendPacketError{Err: err}
		}
	}

	if err := s.acquireCredit(ctx); err != nil {
		return nil, err
	}

	tok := newToken()
	id, ok := s.reserve(AckSubscribe, tok, 0)
	if !ok {
		s.releaseCredit()
		return nil, &SendPacketError{Err: ErrPacketIDNotAvailable}
	}
	pkt := &packets.SubscribePacket{PacketID: id, Topics: filters, QoS: qos, Version: s.version}
	if err := s.send(ctx, pkt); err != nil {
		s.release(id)
		s.releaseCredit()
		return nil, err
	}
	return tok, nil
}

// Unsubscribe sends an UNSUBSCRIBE for filters. The returned Token
// completes once the matching UNSUBACK arrives. Unsubscribe is
// admission-controlled the same as Subscribe and a QoS > 0 Publish.
func (s *Sink) Unsubscribe(ctx context.Context, filters []string) (Token, error) {
	if err := s.acquireCredit(ctx); err != nil {
		return nil, err
	}

	tok := newToken()
	id, ok := s.reserve(AckUnsubscribe, tok, 0)
	if !ok {
		s.releaseCredit()
		return nil, &SendPacketError{Err: ErrPacketIDNotAvailable}
	}
	pkt := &packets.UnsubscribePacket{PacketID: id, Topics: filters, Version: s.version}
	if err := s.send(ctx, pkt); err != nil {
		s.release(id)
		s.releaseCredit()
		return nil, err
	}
	return tok, nil
}

// HandleAck correlates an inbound ack-family packet against the head
// of the ack-order queue and completes its Token. It returns a
// *ProtocolError when the ack does not match what was expected, which
// callers should treat as fatal to the connection (§4.3 step 3, §7).
func (s *Sink) HandleAck(ctx context.Context, pkt packets.Packet) error {
	var err error
	switch p := pkt.(type) {
	case *packets.PubackPacket:
		err = s.complete(p.PacketID, AckPublish)
	case *packets.PubrecPacket:
		err = s.handlePubrec(ctx, p)
	case *packets.PubcompPacket:
		err = s.complete(p.PacketID, AckPublish)
	case *packets.SubackPacket:
		err = s.complete(p.PacketID, AckSubscribe)
	case *packets.UnsubackPacket:
		err = s.complete(p.PacketID, AckUnsubscribe)
	default:
		err = &ProtocolError{Err: fmt.Errorf("unexpected ack packet %T", pkt)}
	}
	if err != nil {
		s.opts.Logger.Warn("ack correlation failed", "packet", fmt.Sprintf("%T", pkt), "err", err)
	}
	return err
}

// handlePubrec advances a QoS 2 publish to its second leg: the slot
// stays reserved, reappended to the order queue, until the PUBCOMP
// that follows the PUBREL this sends.
func (s *Sink) handlePubrec(ctx context.Context, p *packets.PubrecPacket) error {
	s.mu.Lock()
	head := s.order.Dequeue()
	if head == nil || *head != p.PacketID {
		s.mu.Unlock()
		return &ProtocolError{Err: ErrPacketIDMismatch}
	}
	in := s.slab.get(p.PacketID)
	if in == nil {
		s.mu.Unlock()
		return &ProtocolError{Err: ErrPacketIDMismatch}
	}
	if in.ackType != AckPublish {
		s.mu.Unlock()
		return &ProtocolError{Err: &UnexpectedAckError{Got: AckPublish, Expected: in.ackType}}
	}
	in.pubrelSent = true
	s.order.Enqueue(p.PacketID)
	s.mu.Unlock()

	return s.send(ctx, &packets.PubrelPacket{PacketID: p.PacketID, Version: s.version})
}

// complete releases id's slab slot and receive-maximum credit and
// resolves its Token. Every caller of reserve also calls acquireCredit
// first, so the release here is unconditional.
func (s *Sink) complete(id uint16, gotType AckType) error {
	s.mu.Lock()
	head := s.order.Dequeue()
	if head == nil || *head != id {
		s.mu.Unlock()
		return &ProtocolError{Err: ErrPacketIDMismatch}
	}
	in := s.slab.get(id)
	if in == nil {
		s.mu.Unlock()
		return &ProtocolError{Err: ErrPacketIDMismatch}
	}
	if in.ackType != gotType {
		s.mu.Unlock()
		return &ProtocolError{Err: &UnexpectedAckError{Got: gotType, Expected: in.ackType}}
	}
	s.slab.release(id)
	s.mu.Unlock()

	s.releaseCredit()
	in.token.complete(nil)
	return nil
}
