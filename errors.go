package mqttd

import (
	"errors"
	"fmt"
)

// Sentinel causes. Sink and dispatcher errors wrap one of these so callers
// can branch with errors.Is instead of parsing strings.
var (
	// ErrDisconnected is returned by a Sink send once the dispatcher has
	// torn down the outbound channel.
	ErrDisconnected = errors.New("disconnected")

	// ErrPacketIDNotAvailable is returned when the in-flight table has no
	// free packet-id slot (65535 already allocated).
	ErrPacketIDNotAvailable = errors.New("packet id not available")

	// ErrPacketIDMismatch is a fatal protocol error: an ack arrived whose
	// packet-id does not match the head of queue_order.
	ErrPacketIDMismatch = errors.New("packet id mismatch")

	// ErrKeepAliveTimeout is delivered to the handler as a DispatcherItem
	// and also closes the connection.
	ErrKeepAliveTimeout = errors.New("keepalive timeout")

	// ErrHandshakeTimeout means a Handshake did not complete within its
	// deadline. It is not treated as a failure: the connection is simply
	// closed (§4.5).
	ErrHandshakeTimeout = errors.New("handshake deadline exceeded")

	// ErrPacketIDRequired is an encode-time contract violation: a
	// QoS > 0 publish without a packet-id.
	ErrPacketIDRequired = errors.New("packet id required")

	// ErrOverMaxPacketSize is an encode-time violation of the codec's
	// configured max_size.
	ErrOverMaxPacketSize = errors.New("packet exceeds maximum size")

	// Decode-time causes (§6 DecodeError).
	ErrMalformedPacket         = errors.New("malformed packet")
	ErrInvalidProtocol         = errors.New("invalid protocol")
	ErrUnsupportedProtocolLvl  = errors.New("unsupported protocol level")
	ErrInvalidLength           = errors.New("invalid length")
	ErrInvalidUTF8             = errors.New("invalid utf-8")
)

// UnexpectedAckError reports an ack packet whose kind did not match the
// AckType recorded for its in-flight slot (§3, §4.3 step 3).
type UnexpectedAckError struct {
	Got, Expected AckType
}

func (e *UnexpectedAckError) Error() string {
	return fmt.Sprintf("unexpected ack: got %s, expected %s", e.Got, e.Expected)
}

// ProtocolError is a fatal connection-level violation: ack-ordering or
// ack-kind mismatch, a keepalive timeout, or a decode failure the handler
// chose not to recover from. The connection closes once one is raised.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// DecodeError wraps a framing or packet-body decode failure (§6, §7).
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError wraps a violated encode-time contract (§6, §7).
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode: %v", e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// SendPacketError wraps a failed Sink send: the connection is gone, the
// in-flight table is exhausted, or the packet failed to encode (§6).
type SendPacketError struct {
	Err error
}

func (e *SendPacketError) Error() string { return fmt.Sprintf("send packet: %v", e.Err) }
func (e *SendPacketError) Unwrap() error { return e.Err }
