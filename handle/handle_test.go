package handle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/handle"
	"github.com/wiremesh/hub/registry"
	"github.com/wiremesh/hub/wire"
)

func TestRequestHandle_RecvAndWrite(t *testing.T) {
	h, out, in := handle.NewRequestHandle(4)
	a := arena.New(4)

	msg, err := a.Allocate([]byte("hello"))
	require.NoError(t, err)
	out <- msg

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload, err := h.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)

	require.NoError(t, h.TryWrite([]byte("reply")))
	select {
	case got := <-in:
		require.Equal(t, []byte("reply"), got)
	case <-time.After(time.Second):
		t.Fatal("expected reply on in channel")
	}
}

func TestRequestHandle_TryRecvWouldBlock(t *testing.T) {
	h, _, _ := handle.NewRequestHandle(4)
	_, err := h.TryRecv()
	require.ErrorIs(t, err, handle.ErrWouldBlock)
}

func TestRequestHandle_CloseSignalsPeer(t *testing.T) {
	h, _, in := handle.NewRequestHandle(1)
	h.Close()
	_, ok := <-in
	require.False(t, ok)
}

func TestStreamHandle_TwoWritePaths(t *testing.T) {
	h, _, inAny, inAddr := handle.NewStreamHandle(4)

	require.NoError(t, h.TryWriteAny([]byte("broadcast")))
	require.NoError(t, h.TryWriteAddr([]byte("peer-1"), []byte("direct")))

	select {
	case v := <-inAny:
		require.Equal(t, []byte("broadcast"), v)
	default:
		t.Fatal("expected broadcast item")
	}
	select {
	case v := <-inAddr:
		require.Equal(t, registry.Addressed{Addr: []byte("peer-1"), Payload: []byte("direct")}, v)
	default:
		t.Fatal("expected addressed item")
	}
}

// TestStreamHandle_TryWriteAddrFullThenDrains reproduces spec.md
// scenario 1 (handle_bound=1): with the addressed channel's one slot
// occupied, a further TryWriteAddr must report ErrWouldBlock rather
// than drop or overwrite the pending item, and a subsequent write
// succeeds once the entry is drained.
func TestStreamHandle_TryWriteAddrFullThenDrains(t *testing.T) {
	h, _, _, inAddr := handle.NewStreamHandle(1)

	require.NoError(t, h.TryWriteAddr([]byte("peer-1"), []byte("one")))
	err := h.TryWriteAddr([]byte("peer-1"), []byte("two"))
	require.ErrorIs(t, err, handle.ErrWouldBlock)

	select {
	case v := <-inAddr:
		require.Equal(t, registry.Addressed{Addr: []byte("peer-1"), Payload: []byte("one")}, v)
	default:
		t.Fatal("expected the first addressed item to still be queued")
	}

	require.NoError(t, h.TryWriteAddr([]byte("peer-1"), []byte("two")))
	select {
	case v := <-inAddr:
		require.Equal(t, registry.Addressed{Addr: []byte("peer-1"), Payload: []byte("two")}, v)
	default:
		t.Fatal("expected the second addressed item after draining the first")
	}
}

// TestStreamHandle_WriteAddrBlocksUntilDrained covers the suspending
// counterpart: WriteAddr stays blocked against a full handle_bound=1
// channel until the peer reads the queued frame, then completes rather
// than returning early or dropping the frame.
func TestStreamHandle_WriteAddrBlocksUntilDrained(t *testing.T) {
	h, _, _, inAddr := handle.NewStreamHandle(1)

	require.NoError(t, h.TryWriteAddr([]byte("peer-1"), []byte("one")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.WriteAddr(ctx, []byte("peer-1"), []byte("two"))
	}()

	select {
	case err := <-done:
		t.Fatalf("WriteAddr returned early (err=%v) against a full channel", err)
	case <-time.After(100 * time.Millisecond):
	}

	<-inAddr // drain the first frame, freeing the one slot

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WriteAddr never completed after the channel drained")
	}

	select {
	case v := <-inAddr:
		require.Equal(t, registry.Addressed{Addr: []byte("peer-1"), Payload: []byte("two")}, v)
	default:
		t.Fatal("expected the second addressed item to have been delivered")
	}
}

func TestServerRequestHandle_RecvCarriesEnvelope(t *testing.T) {
	h, out, in := handle.NewServerRequestHandle(4)
	a := arena.New(4)
	msg, err := a.Allocate([]byte("req"))
	require.NoError(t, err)
	env := wire.NewReplyEnvelope([][]byte{[]byte("reply-subject")})
	out <- registry.ServerDispatch{Env: env, Msg: msg}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	gotEnv, payload, err := h.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("req"), payload)
	require.Equal(t, env.Frames(), gotEnv.Frames())

	require.NoError(t, h.TryWrite(gotEnv, []byte("resp")))
	select {
	case reply := <-in:
		require.Equal(t, []byte("resp"), reply.Payload)
		require.Equal(t, env.Frames(), reply.Env.Frames())
	default:
		t.Fatal("expected reply on in channel")
	}
}
