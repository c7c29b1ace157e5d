package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wiremesh/hub"
	"github.com/wiremesh/hub/handle"
	"github.com/wiremesh/hub/transport"
	"github.com/wiremesh/hub/wire"
)

func TestClientServer_RequestRoundTrip(t *testing.T) {
	tr := transport.NewInMem()

	srv := hub.NewServer(hub.Config{Transport: tr, InstanceID: "srv-1", HWM: 4, HandleBound: 4, RetainedMax: 1})
	defer srv.Stop()
	require.NoError(t, srv.SetReq([]transport.SocketSpec{{Endpoint: "svc"}}))
	worker, err := srv.AddRequestHandle()
	require.NoError(t, err)

	cli := hub.NewClient(hub.Config{Transport: tr, InstanceID: "cli-1", HWM: 4, HandleBound: 4, RetainedMax: 1})
	defer cli.Stop()
	require.NoError(t, cli.SetReq([]transport.SocketSpec{{Endpoint: "svc"}}))
	caller, err := cli.AddRequestHandle("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, caller.Write(ctx, []byte("ping")))

	env, payload, err := worker.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), payload)
	require.False(t, env.IsZero())

	reply := append([]byte{0x01, 0}, []byte("pong")...)
	require.NoError(t, worker.Write(ctx, env, reply))

	got, err := caller.Recv(ctx)
	require.NoError(t, err)
	_, _ = wire.ParseIdentifiers(got)
	require.Contains(t, string(got), "pong")
}

// TestClientServer_CleanShutdown covers P6: Close joins the manager's
// worker goroutine, and no frame sent afterward is ever delivered.
func TestClientServer_CleanShutdown(t *testing.T) {
	tr := transport.NewInMem()

	srv := hub.NewServer(hub.Config{Transport: tr, InstanceID: "srv-2", HWM: 4, HandleBound: 4})
	require.NoError(t, srv.SetReq([]transport.SocketSpec{{Endpoint: "shutdown-svc"}}))
	worker, err := srv.AddRequestHandle()
	require.NoError(t, err)

	cli := hub.NewClient(hub.Config{Transport: tr, InstanceID: "cli-2", HWM: 4, HandleBound: 4})
	require.NoError(t, cli.SetReq([]transport.SocketSpec{{Endpoint: "shutdown-svc"}}))
	caller, err := cli.AddRequestHandle("")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, caller.Write(ctx, []byte("ping")))
	env, _, err := worker.Recv(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		cli.Close()
		srv.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not join the worker goroutines")
	}

	// The server manager's loop has already exited, so nothing drains
	// the request registry anymore: a reply enqueued after Close must
	// never reach the original caller.
	reply := append([]byte{0x01, 0}, []byte("too-late")...)
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer writeCancel()
	_ = worker.Write(writeCtx, env, reply)

	_, err = caller.TryRecv()
	require.ErrorIs(t, err, handle.ErrWouldBlock)
}
