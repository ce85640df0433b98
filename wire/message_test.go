package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Request(3, 16384, 16384)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, msg))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, msg.Payload, got.Payload)
}

func TestMessageKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMessageUnknownIDIsNotAnError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 200}) // length=1, id=200 (unrecognized)

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, MessageID(200), got.ID)
}

func TestMessageShortReadIsConnectionLost(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 5, 7, 1, 2}) // claims 5 bytes, only 3 present

	_, err := Read(&buf)
	require.Error(t, err)
	var connErr *ConnectionLostError
	require.ErrorAs(t, err, &connErr)
}

func TestParsePieceAndHave(t *testing.T) {
	index, begin, block, ok := ParsePiece(Request(1, 2, 3).Payload)
	require.True(t, ok)
	require.Equal(t, uint32(1), index)
	require.Equal(t, uint32(2), begin)
	require.Equal(t, []byte{0, 0, 0, 3}, block)

	i, ok := ParseHave([]byte{0, 0, 0, 42})
	require.True(t, ok)
	require.Equal(t, 42, i)

	_, ok = ParseHave([]byte{0, 0})
	require.False(t, ok)
}
