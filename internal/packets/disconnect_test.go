package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisconnectRoundTripsV4(t *testing.T) {
	want := &DisconnectPacket{Version: 4}

	var buf bytes.Buffer
	_, err := want.WriteTo(&buf)
	require.NoError(t, err)

	d := NewFrameDecoder(0)
	got, consumed, err := d.Decode(buf.Bytes(), 4)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), consumed)
	require.Equal(t, want, got)
}

func TestDisconnectRoundTripsV5WithReasonCode(t *testing.T) {
	want := &DisconnectPacket{Version: 5, ReasonCode: 0x04}

	var buf bytes.Buffer
	_, err := want.WriteTo(&buf)
	require.NoError(t, err)

	d := NewFrameDecoder(0)
	got, consumed, err := d.Decode(buf.Bytes(), 5)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), consumed)
	require.Equal(t, want.ReasonCode, got.(*DisconnectPacket).ReasonCode)
}
