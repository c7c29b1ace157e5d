// Package transport is the collaborator boundary between the manager
// loops and the message-oriented transport carrying the four socket
// roles described in spec.md §6. The hub never frames or parses packets
// itself beyond package wire's narrow helpers; it only calls Socket.
package transport

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/wiremesh/hub/wire"
)

// ErrUnreachablePeer is the transport-neutral analogue of ZeroMQ's EAGAIN
// on a mandatory-routed send: the addressed peer is not currently
// reachable. The caller (client manager, §4.3) retries after
// AddressedRetryDelay rather than dropping the frame.
var ErrUnreachablePeer = errors.New("transport: unreachable peer")

// ErrClosed is returned by InMem's Open* methods, and by its sockets'
// Send/Recv, once the InMem transport itself has been closed.
var ErrClosed = errors.New("transport: closed")

// AddressedRetryDelay is the fixed retry interval for the outbound
// addressed socket's mandatory-routing backoff (spec.md §4.3, §5).
const AddressedRetryDelay = 50 * time.Millisecond

// SocketSpec is an immutable bind/connect endpoint description, applied
// in batches via the client/server control surfaces.
type SocketSpec struct {
	Endpoint string
	Connect  bool // true: Dial: false: Bind
	// Perm is the filesystem permission applied to local (unix-domain)
	// endpoints; zero means "leave the transport default".
	Perm fs.FileMode
}

// Socket is the minimal operation set every hub-owned socket supports.
// HWM must be applied before the first Send/Recv.
type Socket interface {
	Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error
	Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error)
	SetHWM(sendHWM, recvHWM int)
	Close() error
}

// AddressedSocket is a Socket that also supports mandatory-routed sends
// to a specific peer identity, used for the client's outStream socket.
type AddressedSocket interface {
	Socket
	SendTo(ctx context.Context, addr []byte, payload []byte) error
}

// SubscribableSocket is a Socket that must be primed with a subscription
// filter before it will receive anything, used for the client's inbound
// subscribe socket.
type SubscribableSocket interface {
	Socket
	Subscribe(filter []byte) error
}

// IdentifiedSocket is a Socket bound to a stable identity so peers can
// address it directly, used for the server's inStream router socket.
type IdentifiedSocket interface {
	Socket
	Identity() string
}

// Transport realizes SocketSpecs as concrete sockets over one
// message-oriented backend (NATS in production, an in-process backend in
// tests). Each Open* method constructs one socket role, since the same
// endpoint string can back different roles (request, push, addressed,
// subscribe, publish, pull, router).
type Transport interface {
	OpenRequest(spec SocketSpec) (Socket, error)
	OpenPush(spec SocketSpec) (Socket, error)
	OpenAddressed(spec SocketSpec) (AddressedSocket, error)
	OpenSubscribe(spec SocketSpec, instanceID string) (SubscribableSocket, error)
	OpenPull(spec SocketSpec) (Socket, error)
	OpenRouterRequest(spec SocketSpec) (Socket, error)
	OpenRouterIdentified(spec SocketSpec, instanceID string) (IdentifiedSocket, error)
	OpenPublish(spec SocketSpec) (Socket, error)
}
