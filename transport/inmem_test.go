package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wiremesh/hub/transport"
	"github.com/wiremesh/hub/wire"
)

func TestInMem_PushPull(t *testing.T) {
	tr := transport.NewInMem()
	push, err := tr.OpenPush(transport.SocketSpec{Endpoint: "out"})
	require.NoError(t, err)
	pull, err := tr.OpenPull(transport.SocketSpec{Endpoint: "out"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, push.Send(ctx, wire.ReplyEnvelope{}, []byte("hello")))
	_, payload, err := pull.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestInMem_PublishSubscribe_Filter(t *testing.T) {
	tr := transport.NewInMem()
	pub, err := tr.OpenPublish(transport.SocketSpec{Endpoint: "topic"})
	require.NoError(t, err)
	sub, err := tr.OpenSubscribe(transport.SocketSpec{Endpoint: "topic"}, "inst-1")
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe([]byte("inst-1 ")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, pub.Send(ctx, wire.ReplyEnvelope{}, []byte("inst-2 nope")))
	require.NoError(t, pub.Send(ctx, wire.ReplyEnvelope{}, []byte("inst-1 yes")))

	_, payload, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("inst-1 yes"), payload)
}

func TestInMem_RequestReply(t *testing.T) {
	tr := transport.NewInMem()
	req, err := tr.OpenRequest(transport.SocketSpec{Endpoint: "svc"})
	require.NoError(t, err)
	router, err := tr.OpenRouterRequest(transport.SocketSpec{Endpoint: "svc"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, req.Send(ctx, wire.ReplyEnvelope{}, []byte("ping")))

	env, payload, err := router.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), payload)
	require.False(t, env.IsZero())

	require.NoError(t, router.Send(ctx, env, []byte("pong")))

	_, reply, err := req.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)
}

func TestInMem_Addressed_UnreachablePeer(t *testing.T) {
	tr := transport.NewInMem()
	addressed, err := tr.OpenAddressed(transport.SocketSpec{Endpoint: "peers"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err = addressed.SendTo(ctx, []byte("ghost"), []byte("hi"))
	require.ErrorIs(t, err, transport.ErrUnreachablePeer)
}

func TestInMem_Addressed_RouterIdentified(t *testing.T) {
	tr := transport.NewInMem()
	router, err := tr.OpenRouterIdentified(transport.SocketSpec{Endpoint: "peers"}, "node-a")
	require.NoError(t, err)
	require.Equal(t, "node-a", router.Identity())

	addressed, err := tr.OpenAddressed(transport.SocketSpec{Endpoint: "peers"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, addressed.SendTo(ctx, []byte("node-a"), []byte("knock")))
	_, payload, err := router.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("knock"), payload)
}

func TestInMem_Closed(t *testing.T) {
	tr := transport.NewInMem()
	require.NoError(t, tr.Close())
	_, err := tr.OpenPush(transport.SocketSpec{Endpoint: "out"})
	require.ErrorIs(t, err, transport.ErrClosed)
}
