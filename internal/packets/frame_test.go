package packets

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFrameDecoderRoundTripsPublish(t *testing.T) {
	want := &PublishPacket{Topic: "a", Payload: []byte{0x01}, Version: 4}
	encoded, err := want.Encode(nil)
	require.NoError(t, err)

	d := NewFrameDecoder(0)
	got, consumed, err := d.Decode(encoded, 4)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Empty(t, cmp.Diff(want, got))
}

func TestFrameDecoderNeedsMoreBytes(t *testing.T) {
	want := &PublishPacket{Topic: "sensors/a", Payload: []byte("22.5"), Version: 4}
	encoded, err := want.Encode(nil)
	require.NoError(t, err)

	d := NewFrameDecoder(0)

	for i := 0; i < len(encoded)-1; i++ {
		pkt, consumed, err := d.Decode(encoded[:i], 4)
		require.NoError(t, err)
		require.Nil(t, pkt)
		require.Zero(t, consumed)
	}

	pkt, consumed, err := d.Decode(encoded, 4)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Empty(t, cmp.Diff(want, pkt))
}

func TestFrameDecoderConsumesExactlyOneFrameFromMultiple(t *testing.T) {
	var firstBuf, secondBuf bytes.Buffer
	_, err := (&PingreqPacket{}).WriteTo(&firstBuf)
	require.NoError(t, err)
	_, err = (&PingreqPacket{}).WriteTo(&secondBuf)
	require.NoError(t, err)
	firstBytes, secondBytes := firstBuf.Bytes(), secondBuf.Bytes()

	buf := append(append([]byte{}, firstBytes...), secondBytes...)

	d := NewFrameDecoder(0)
	_, consumed, err := d.Decode(buf, 4)
	require.NoError(t, err)
	require.Equal(t, len(firstBytes), consumed)

	buf = buf[consumed:]
	_, consumed, err = d.Decode(buf, 4)
	require.NoError(t, err)
	require.Equal(t, len(secondBytes), consumed)
}

func TestFrameDecoderEnforcesMaxSize(t *testing.T) {
	d := NewFrameDecoder(5)

	buf := []byte{0x30, 0x09}
	_, consumed, err := d.Decode(buf, 4)
	require.Zero(t, consumed)
	var tooBig *MaxSizeExceeded
	require.ErrorAs(t, err, &tooBig)
	require.Equal(t, 9, tooBig.RemainingLength)
	require.Equal(t, 5, tooBig.MaxSize)
}

func TestFrameDecoderRejectsOverlongVarint(t *testing.T) {
	d := NewFrameDecoder(0)
	buf := []byte{0x30, 0xFF, 0xFF, 0xFF, 0xFF}
	_, consumed, err := d.Decode(buf, 4)
	require.Error(t, err)
	require.Zero(t, consumed)
}
