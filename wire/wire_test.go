package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wiremesh/hub/wire"
)

func frame(ids ...string) []byte {
	out := []byte{0x01}
	for _, id := range ids {
		out = append(out, byte(len(id)))
		out = append(out, []byte(id)...)
	}
	out = append(out, 0)
	return out
}

func TestParseIdentifiers_NoMarker(t *testing.T) {
	ids, err := wire.ParseIdentifiers([]byte{0xff, 'x'})
	require.NoError(t, err)
	require.Nil(t, ids)
}

func TestParseIdentifiers_Marker(t *testing.T) {
	ids, err := wire.ParseIdentifiers(frame("a-1", "b-2"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("a-1"), []byte("b-2")}, ids)
}

func TestParseIdentifiers_Truncated(t *testing.T) {
	_, err := wire.ParseIdentifiers([]byte{0x01, 5, 'a'})
	require.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestParseIdentifiers_Empty(t *testing.T) {
	_, err := wire.ParseIdentifiers(nil)
	require.ErrorIs(t, err, wire.ErrMalformedFrame)
}

func TestSplitAddressed(t *testing.T) {
	addr, rest, err := wire.SplitAddressed([]byte("peer-1 payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("peer-1"), addr)
	require.Equal(t, []byte("payload"), rest)
}

func TestSplitAddressed_NoSpace(t *testing.T) {
	_, _, err := wire.SplitAddressed([]byte("nospace"))
	require.ErrorIs(t, err, wire.ErrNoAddressPrefix)
}

func TestHasPrefixAndTrim(t *testing.T) {
	subj := []byte("instance-1 rest-of-payload")
	require.True(t, wire.HasPrefix(subj, "instance-1"))
	rest, ok := wire.TrimPrefix(subj, "instance-1")
	require.True(t, ok)
	require.Equal(t, []byte("rest-of-payload"), rest)

	_, ok = wire.TrimPrefix(subj, "other")
	require.False(t, ok)
}

func TestFrameCount(t *testing.T) {
	require.Equal(t, 2, wire.FrameCount(frame("x", "y")))
	require.Equal(t, 0, wire.FrameCount([]byte{0xff}))
}

func TestReplyEnvelope(t *testing.T) {
	var zero wire.ReplyEnvelope
	require.True(t, zero.IsZero())

	env := wire.NewReplyEnvelope([][]byte{[]byte("r1"), []byte("r2")})
	require.False(t, env.IsZero())
	require.Equal(t, [][]byte{[]byte("r1"), []byte("r2")}, env.Frames())
}
