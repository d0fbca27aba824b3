package packets

import "fmt"

// frameState is the incremental decoder's position in the fixed-header /
// body state machine: frameStateHeader awaits the first byte and the
// variable-length remaining-length field; frameStateBody awaits the body.
type frameState uint8

const (
	frameStateHeader frameState = iota
	frameStateBody
)

// MaxSizeExceeded reports that a frame's remaining length exceeded the
// decoder's configured maximum.
type MaxSizeExceeded struct {
	RemainingLength int
	MaxSize         int
}

func (e *MaxSizeExceeded) Error() string {
	return fmt.Sprintf("frame remaining length %d exceeds max size %d", e.RemainingLength, e.MaxSize)
}

// FrameDecoder is the incremental fixed-header/body framing state machine.
// It never blocks on a reader: callers feed it the bytes received so far
// and it reports how many bytes, if any, it was able to consume. Partial
// progress across the header is remembered internally so repeated calls
// with a growing buffer never re-parse bytes already accounted for.
type FrameDecoder struct {
	maxSize int

	state   frameState
	header  FixedHeader
	headLen int // bytes of fixed header, once state == frameStateBody
}

// NewFrameDecoder creates a decoder enforcing maxSize (0 = unlimited).
func NewFrameDecoder(maxSize int) *FrameDecoder {
	return &FrameDecoder{state: frameStateHeader, maxSize: maxSize}
}

// Decode attempts to produce the next packet from buf, the full set of
// bytes received so far but not yet consumed by a prior successful Decode.
// It returns the decoded packet and the number of leading bytes of buf it
// consumed. A nil packet with zero consumed and a nil error means more
// bytes must be appended to buf before another call can make progress.
func (d *FrameDecoder) Decode(buf []byte, version uint8) (Packet, int, error) {
	if d.state == frameStateHeader {
		if len(buf) < 2 {
			return nil, 0, nil
		}

		remaining, varLen, needMore, err := decodeRemainingLength(buf[1:])
		if err != nil {
			return nil, 0, err
		}
		if needMore {
			return nil, 0, nil
		}

		if d.maxSize != 0 && remaining > d.maxSize {
			return nil, 0, &MaxSizeExceeded{RemainingLength: remaining, MaxSize: d.maxSize}
		}

		d.header = FixedHeader{
			PacketType:      buf[0] >> 4,
			Flags:           buf[0] & 0x0F,
			RemainingLength: remaining,
		}
		d.headLen = 1 + varLen
		d.state = frameStateBody
	}

	frameLen := d.headLen + d.header.RemainingLength
	if len(buf) < frameLen {
		return nil, 0, nil
	}

	body := buf[d.headLen:frameLen]
	decoder, ok := packetDecoders[d.header.PacketType]
	if !ok {
		return nil, 0, fmt.Errorf("unknown packet type: %d", d.header.PacketType)
	}

	pkt, err := decoder(body, &d.header, version)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode packet body: %w", err)
	}

	d.state = frameStateHeader
	d.header = FixedHeader{}
	consumed := frameLen
	d.headLen = 0
	return pkt, consumed, nil
}

// decodeRemainingLength parses the MQTT variable-length remaining-length
// field (1-4 bytes, each byte's high bit a continuation flag, low 7 bits
// accumulated little-endian) directly from a buffer.
func decodeRemainingLength(buf []byte) (value, n int, needMore bool, err error) {
	mult := 1
	for i := 0; i < 4; i++ {
		if i >= len(buf) {
			return 0, 0, true, nil
		}
		b := buf[i]
		value += int(b&0x7f) * mult
		n = i + 1
		if b&0x80 == 0 {
			return value, n, false, nil
		}
		mult *= 128
	}
	return 0, 0, false, fmt.Errorf("variable byte integer longer than 4 bytes")
}
