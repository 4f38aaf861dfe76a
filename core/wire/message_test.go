package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosuda/goadb/protoerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		New(CmdCNXN, Version, MaxPayloadDefault, []byte("host::\x00")),
		New(CmdOPEN, 7, 0, []byte("shell:\x00")),
		New(CmdOKAY, 1, 17, nil),
		New(CmdWRTE, 17, 1, []byte("hello")),
	}

	for _, want := range cases {
		buf := Encode(want)
		got, err := Decode(bytes.NewReader(buf.B), 0)
		require.NoError(t, err)
		require.Equal(t, want.Command, got.Command)
		require.Equal(t, want.Arg0, got.Arg0)
		require.Equal(t, want.Arg1, got.Arg1)
		require.Equal(t, want.DataChecksum, got.DataChecksum)
		require.Equal(t, want.Magic, got.Magic)
		require.Equal(t, want.Payload, got.Payload)
		require.True(t, Validate(got))
	}
}

func TestMagicLaw(t *testing.T) {
	for _, cmd := range []Command{CmdSYNC, CmdCNXN, CmdOPEN, CmdOKAY, CmdCLSE, CmdWRTE, CmdAUTH, CmdSTLS} {
		m := New(cmd, 0, 0, nil)
		require.Equal(t, uint32(0xFFFFFFFF), uint32(m.Command)^m.Magic)
	}
}

func TestLegacyChecksum(t *testing.T) {
	payload := []byte("device::\x00")
	m := New(CmdCNXN, 0x01000000, MaxPayloadDefault, payload)

	var want uint32
	for _, b := range payload {
		want += uint32(b)
	}
	require.Equal(t, want, m.DataChecksum)
	require.True(t, Validate(m))

	m.DataChecksum++
	require.False(t, Validate(m))
}

func TestNonLegacyChecksumIgnored(t *testing.T) {
	payload := []byte("device::\x00")
	m := New(CmdCNXN, Version, MaxPayloadDefault, payload)
	m.DataChecksum = 0xDEADBEEF // wrong on purpose
	require.True(t, Validate(m), "non-legacy CNXN must not be rejected on checksum mismatch")
}

func TestEmptyPayload(t *testing.T) {
	m := New(CmdOKAY, 1, 2, nil)
	buf := Encode(m)
	got, err := Decode(bytes.NewReader(buf.B), 0)
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestDecodeOversizedPayloadRejected(t *testing.T) {
	m := New(CmdWRTE, 1, 2, make([]byte, 2048))
	buf := Encode(m)
	_, err := Decode(bytes.NewReader(buf.B), 1024)
	require.Error(t, err)
}

func TestDecodeShortReadSurfacesAsIO(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil), 0)
	require.ErrorIs(t, err, protoerr.ErrIO)
}
