package ipc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	want := Frame{Type: MsgEmbed, Payload: EncodeEmbed(42, []string{"a", "b", "c"}, nil)}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.Payload, got.Payload)
}

func TestFrameRoundTripMultiple(t *testing.T) {
	var buf bytes.Buffer

	frames := []Frame{
		{Type: MsgInit, Payload: EncodeInit(1, "/tmp/cache")},
		{Type: MsgEmbed, Payload: EncodeEmbed(7, []string{"x"}, nil)},
		{Type: MsgShutdown},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(r)
		require.NoError(t, err)
		require.Equal(t, want.Type, got.Type)
		require.Equal(t, want.Payload, got.Payload)
	}
}

func TestEmbedCodec(t *testing.T) {
	texts := []string{"hello", "", "world with spaces"}
	hashes := [][32]byte{{1}, {2}, {3}}
	payload := EncodeEmbed(99, texts, hashes)

	batchID, gotHashes, got, err := DecodeEmbed(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(99), batchID)
	require.Equal(t, texts, got)
	require.Equal(t, hashes, gotHashes)
}

func TestEmbedCodecNoHashes(t *testing.T) {
	texts := []string{"a", "b"}
	payload := EncodeEmbed(99, texts, nil)

	_, gotHashes, got, err := DecodeEmbed(payload)
	require.NoError(t, err)
	require.Equal(t, texts, got)
	require.Equal(t, [32]byte{}, gotHashes[0])
}

func TestEmbedOKCodec(t *testing.T) {
	vectors := [][]float32{
		{0.1, 0.2, 0.3},
		{-1.5, 2.25, 0},
	}
	payload := EncodeEmbedOK(55, vectors)

	batchID, got, err := DecodeEmbedOK(payload, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(55), batchID)
	require.Equal(t, vectors, got)
}

func TestAckCodec(t *testing.T) {
	payload := EncodeAck(12, ErrCodeAborted, "aborted")

	batchID, code, msg, err := DecodeAck(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(12), batchID)
	require.Equal(t, ErrCodeAborted, code)
	require.Equal(t, "aborted", msg)
}

func TestAbortCodec(t *testing.T) {
	payload := EncodeAbort(31)

	batchID, err := DecodeAbort(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(31), batchID)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := DecodeInit([]byte{1, 2, 3})
	require.Error(t, err)

	_, _, _, err = DecodeEmbed(nil)
	require.Error(t, err)

	_, _, _, err = DecodeAck([]byte{0})
	require.Error(t, err)
}
