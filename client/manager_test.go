package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wiremesh/hub/client"
	"github.com/wiremesh/hub/transport"
	"github.com/wiremesh/hub/wire"
)

// countingTransport wraps transport.InMem, instrumenting OpenPush's
// returned socket to record the maximum number of concurrently
// in-flight Send calls it ever observes.
type countingTransport struct {
	*transport.InMem
	inFlight int32
	maxSeen  int32
}

func (t *countingTransport) OpenPush(spec transport.SocketSpec) (transport.Socket, error) {
	sock, err := t.InMem.OpenPush(spec)
	if err != nil {
		return nil, err
	}
	return &countingSocket{Socket: sock, t: t}, nil
}

type countingSocket struct {
	transport.Socket
	t *countingTransport
}

func (s *countingSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	n := atomic.AddInt32(&s.t.inFlight, 1)
	for {
		max := atomic.LoadInt32(&s.t.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&s.t.maxSeen, max, n) {
			break
		}
	}
	// Give any wrongly-concurrent second Send a window to land before
	// this one returns and decrements inFlight.
	time.Sleep(10 * time.Millisecond)
	err := s.Socket.Send(ctx, env, payload)
	atomic.AddInt32(&s.t.inFlight, -1)
	return err
}

func TestManager_RequestDispatchByPrefix(t *testing.T) {
	tr := transport.NewInMem()
	mgr, ctrl := client.New(client.Config{Transport: tr, InstanceID: "inst-1", HWM: 4, HandleBound: 4, RetainedMax: 1})
	defer ctrl.Stop()

	require.NoError(t, ctrl.SetReq([]transport.SocketSpec{{Endpoint: "svc"}}))

	hA, err := ctrl.AddRequestHandle("a-")
	require.NoError(t, err)
	hB, err := ctrl.AddRequestHandle("b-")
	require.NoError(t, err)

	require.NoError(t, hA.Write(context.Background(), []byte("hello a")))

	router, err := tr.OpenRouterRequest(transport.SocketSpec{Endpoint: "svc"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env, payload, err := router.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello a"), payload)

	reply := append([]byte{0x01, 3, 'a', '-', '1', 0}, []byte("reply-to-a")...)
	require.NoError(t, router.Send(ctx, env, reply))

	got, err := hA.Recv(ctx)
	require.NoError(t, err)
	require.Contains(t, string(got), "reply-to-a")

	_ = hB
	_ = mgr
}

func TestManager_StreamSubscriptionAndPrefixFanOut(t *testing.T) {
	tr := transport.NewInMem()
	_, ctrl := client.New(client.Config{Transport: tr, InstanceID: "inst-1", HWM: 4, HandleBound: 4, RetainedMax: 1})
	defer ctrl.Stop()

	require.NoError(t, ctrl.SetStream(
		[]transport.SocketSpec{{Endpoint: "out-topic"}},
		[]transport.SocketSpec{{Endpoint: "peers"}},
		[]transport.SocketSpec{{Endpoint: "in-topic"}},
	))

	h, err := ctrl.AddStreamHandle("a-")
	require.NoError(t, err)

	pub, err := tr.OpenPublish(transport.SocketSpec{Endpoint: "in-topic"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frame := append([]byte("inst-1 "), append([]byte{0x01, 3, 'a', '-', '1', 0}, []byte("payload")...)...)
	require.NoError(t, pub.Send(ctx, wire.ReplyEnvelope{}, frame))

	got, err := h.Recv(ctx)
	require.NoError(t, err)
	require.Contains(t, string(got), "payload")
}

// TestManager_AtMostOneInFlightOutSend covers P7: the "enabled only
// when no outstanding send" guard on the loop's out-registry-recv
// branch (spec.md §4.3) must keep at most one out-socket Send in flight
// even when several stream-handle writers race to enqueue at once.
func TestManager_AtMostOneInFlightOutSend(t *testing.T) {
	tr := &countingTransport{InMem: transport.NewInMem()}
	_, ctrl := client.New(client.Config{Transport: tr, InstanceID: "inst-1", HWM: 8, HandleBound: 8, RetainedMax: 1})
	defer ctrl.Stop()

	require.NoError(t, ctrl.SetStream(
		[]transport.SocketSpec{{Endpoint: "out-topic"}},
		nil,
		nil,
	))

	h, err := ctrl.AddStreamHandle("")
	require.NoError(t, err)

	const n = 6
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		require.NoError(t, h.WriteAny(ctx, []byte("msg")))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tr.maxSeen) > 0
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&tr.maxSeen))
}
