package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wiremesh/hub/wire"
)

// InMem is an in-process Transport for unit tests, grounded on the
// teacher's libbus.InMem: no network, all roles implemented with plain Go
// channels keyed by SocketSpec.Endpoint so that a Bind and a matching
// Dial on the same endpoint behave like two ends of the same inproc
// address. It reproduces dispatch and backpressure semantics exactly;
// it does not reproduce transport-specific artifacts: its subscribe
// socket delivers every published frame until Subscribe sets a filter,
// while the NATS subscribe socket (transport/nats.go) discards traffic
// until then.
type InMem struct {
	mu     sync.Mutex
	closed bool

	queues    map[string]chan frameMsg   // push/pull, by endpoint
	topics    map[string]*topic          // publish/subscribe, by endpoint
	reqQueues map[string]chan reqEnvelope // request/router-request, by endpoint
	replies   map[string]chan frameMsg   // correlation id -> reply chan
	routed    map[string]map[string]chan frameMsg // endpoint -> identity -> inbox

	nextCorrID int64
}

type frameMsg struct {
	env     wire.ReplyEnvelope
	payload []byte
}

type reqEnvelope struct {
	corrID  string
	payload []byte
}

type topic struct {
	mu   sync.Mutex
	subs []*subEntry
}

type subEntry struct {
	filter []byte
	ch     chan frameMsg
}

// NewInMem returns a ready-to-use in-process Transport.
func NewInMem() *InMem {
	return &InMem{
		queues:    make(map[string]chan frameMsg),
		topics:    make(map[string]*topic),
		reqQueues: make(map[string]chan reqEnvelope),
		replies:   make(map[string]chan frameMsg),
		routed:    make(map[string]map[string]chan frameMsg),
	}
}

// Close marks the transport closed; in-flight sockets start returning
// ErrClosed.
func (t *InMem) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *InMem) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *InMem) queue(endpoint string, hwm int) chan frameMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.queues[endpoint]
	if !ok {
		if hwm <= 0 {
			hwm = 1
		}
		ch = make(chan frameMsg, hwm)
		t.queues[endpoint] = ch
	}
	return ch
}

func (t *InMem) topicFor(endpoint string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.topics[endpoint]
	if !ok {
		tp = &topic{}
		t.topics[endpoint] = tp
	}
	return tp
}

func (t *InMem) reqQueue(endpoint string, hwm int) chan reqEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.reqQueues[endpoint]
	if !ok {
		if hwm <= 0 {
			hwm = 1
		}
		ch = make(chan reqEnvelope, hwm)
		t.reqQueues[endpoint] = ch
	}
	return ch
}

func (t *InMem) routedInbox(endpoint, identity string, hwm int) chan frameMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	byIdentity, ok := t.routed[endpoint]
	if !ok {
		byIdentity = make(map[string]chan frameMsg)
		t.routed[endpoint] = byIdentity
	}
	ch, ok := byIdentity[identity]
	if !ok {
		if hwm <= 0 {
			hwm = 1
		}
		ch = make(chan frameMsg, hwm)
		byIdentity[identity] = ch
	}
	return ch
}

func (t *InMem) newCorrID() string {
	return strconv.FormatInt(atomic.AddInt64(&t.nextCorrID, 1), 10)
}

func (t *InMem) registerReply(corrID string) chan frameMsg {
	ch := make(chan frameMsg, 1)
	t.mu.Lock()
	t.replies[corrID] = ch
	t.mu.Unlock()
	return ch
}

func (t *InMem) takeReply(corrID string) (chan frameMsg, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.replies[corrID]
	if ok {
		delete(t.replies, corrID)
	}
	return ch, ok
}

// --- push / pull ---

type pushSocket struct {
	t        *InMem
	endpoint string
	hwm      int
}

func (t *InMem) OpenPush(spec SocketSpec) (Socket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &pushSocket{t: t, endpoint: spec.Endpoint, hwm: 1}, nil
}

func (s *pushSocket) SetHWM(sendHWM, _ int) { s.hwm = sendHWM }
func (s *pushSocket) Close() error          { return nil }

func (s *pushSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if s.t.isClosed() {
		return ErrClosed
	}
	ch := s.t.queue(s.endpoint, s.hwm)
	select {
	case ch <- frameMsg{env: env, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *pushSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: push socket does not receive")
}

type pullSocket struct {
	t        *InMem
	endpoint string
	hwm      int
}

func (t *InMem) OpenPull(spec SocketSpec) (Socket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &pullSocket{t: t, endpoint: spec.Endpoint, hwm: 1}, nil
}

func (s *pullSocket) SetHWM(_, recvHWM int) { s.hwm = recvHWM }
func (s *pullSocket) Close() error          { return nil }

func (s *pullSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	return fmt.Errorf("transport: pull socket does not send")
}

func (s *pullSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	if s.t.isClosed() {
		return wire.ReplyEnvelope{}, nil, ErrClosed
	}
	ch := s.t.queue(s.endpoint, s.hwm)
	select {
	case m := <-ch:
		return m.env, m.payload, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

// --- publish / subscribe ---

type publishSocket struct {
	t        *InMem
	endpoint string
}

func (t *InMem) OpenPublish(spec SocketSpec) (Socket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &publishSocket{t: t, endpoint: spec.Endpoint}, nil
}

func (s *publishSocket) SetHWM(int, int) {}
func (s *publishSocket) Close() error    { return nil }

func (s *publishSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: publish socket does not receive")
}

func (s *publishSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if s.t.isClosed() {
		return ErrClosed
	}
	tp := s.t.topicFor(s.endpoint)
	tp.mu.Lock()
	subs := make([]*subEntry, len(tp.subs))
	copy(subs, tp.subs)
	tp.mu.Unlock()

	for _, sub := range subs {
		if len(sub.filter) > 0 && !hasPrefix(payload, sub.filter) {
			continue
		}
		select {
		case sub.ch <- frameMsg{env: env, payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func hasPrefix(payload, filter []byte) bool {
	if len(payload) < len(filter) {
		return false
	}
	for i := range filter {
		if payload[i] != filter[i] {
			return false
		}
	}
	return true
}

type subscribeSocket struct {
	t        *InMem
	endpoint string
	entry    *subEntry
}

func (t *InMem) OpenSubscribe(spec SocketSpec, instanceID string) (SubscribableSocket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	entry := &subEntry{ch: make(chan frameMsg, 16)}
	tp := t.topicFor(spec.Endpoint)
	tp.mu.Lock()
	tp.subs = append(tp.subs, entry)
	tp.mu.Unlock()
	return &subscribeSocket{t: t, endpoint: spec.Endpoint, entry: entry}, nil
}

func (s *subscribeSocket) SetHWM(int, int) {}
func (s *subscribeSocket) Close() error    { return nil }

func (s *subscribeSocket) Subscribe(filter []byte) error {
	s.entry.filter = filter
	return nil
}

func (s *subscribeSocket) Send(context.Context, wire.ReplyEnvelope, []byte) error {
	return fmt.Errorf("transport: subscribe socket does not send")
}

func (s *subscribeSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	if s.t.isClosed() {
		return wire.ReplyEnvelope{}, nil, ErrClosed
	}
	select {
	case m := <-s.entry.ch:
		return m.env, m.payload, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

// --- request / router-request ---

type requestSocket struct {
	t        *InMem
	endpoint string
	hwm      int
}

func (t *InMem) OpenRequest(spec SocketSpec) (Socket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &requestSocket{t: t, endpoint: spec.Endpoint, hwm: 1}, nil
}

func (s *requestSocket) SetHWM(sendHWM, recvHWM int) { s.hwm = sendHWM }
func (s *requestSocket) Close() error                { return nil }

// Send dispatches a request and stashes a reply channel keyed by a fresh
// correlation id carried alongside the payload (env is ignored); the
// router side turns that id into its envelope's single frame. The caller
// is expected to Recv separately once the routed reply surfaces.
func (s *requestSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if s.t.isClosed() {
		return ErrClosed
	}
	corrID := s.t.newCorrID()
	s.t.registerReply(corrID)
	q := s.t.reqQueue(s.endpoint, s.hwm)
	select {
	case q <- reqEnvelope{corrID: corrID, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *requestSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	// The client manager does not know the correlation id ahead of a
	// Send; in this simplified in-process transport it polls all
	// outstanding reply channels. Real deployments route replies back
	// to the dealer socket automatically; see transport/nats.go.
	const pollInterval = 2 * time.Millisecond
	for {
		s.t.mu.Lock()
		for _, ch := range s.t.replies {
			select {
			case m := <-ch:
				s.t.mu.Unlock()
				return m.env, m.payload, nil
			default:
			}
		}
		s.t.mu.Unlock()
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return wire.ReplyEnvelope{}, nil, ctx.Err()
		}
	}
}

type routerRequestSocket struct {
	t        *InMem
	endpoint string
	hwm      int
}

func (t *InMem) OpenRouterRequest(spec SocketSpec) (Socket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &routerRequestSocket{t: t, endpoint: spec.Endpoint, hwm: 1}, nil
}

func (s *routerRequestSocket) SetHWM(sendHWM, recvHWM int) { s.hwm = recvHWM }
func (s *routerRequestSocket) Close() error                { return nil }

func (s *routerRequestSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	if s.t.isClosed() {
		return wire.ReplyEnvelope{}, nil, ErrClosed
	}
	q := s.t.reqQueue(s.endpoint, s.hwm)
	select {
	case r := <-q:
		env := wire.NewReplyEnvelope([][]byte{[]byte(r.corrID)})
		return env, r.payload, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

func (s *routerRequestSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if s.t.isClosed() {
		return ErrClosed
	}
	if env.IsZero() {
		return fmt.Errorf("transport: router-request reply requires a captured envelope")
	}
	corrID := string(env.Frames()[0])
	ch, ok := s.t.takeReply(corrID)
	if !ok {
		return fmt.Errorf("transport: unknown correlation id %q", corrID)
	}
	select {
	case ch <- frameMsg{payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- addressed / router-identified ---

type addressedSocket struct {
	t        *InMem
	endpoint string
	hwm      int
}

func (t *InMem) OpenAddressed(spec SocketSpec) (AddressedSocket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	return &addressedSocket{t: t, endpoint: spec.Endpoint, hwm: 1}, nil
}

func (s *addressedSocket) SetHWM(sendHWM, _ int) { s.hwm = sendHWM }
func (s *addressedSocket) Close() error          { return nil }

func (s *addressedSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	return wire.ReplyEnvelope{}, nil, fmt.Errorf("transport: addressed socket does not receive")
}

func (s *addressedSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	if env.IsZero() {
		return fmt.Errorf("transport: addressed send requires an address frame")
	}
	return s.SendTo(ctx, env.Frames()[0], payload)
}

func (s *addressedSocket) SendTo(ctx context.Context, addr []byte, payload []byte) error {
	if s.t.isClosed() {
		return ErrClosed
	}
	s.t.mu.Lock()
	byIdentity, ok := s.t.routed[s.endpoint]
	var ch chan frameMsg
	if ok {
		ch, ok = byIdentity[string(addr)]
	}
	s.t.mu.Unlock()
	if !ok {
		return ErrUnreachablePeer
	}
	select {
	case ch <- frameMsg{payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrUnreachablePeer
	}
}

type routerIdentifiedSocket struct {
	t        *InMem
	endpoint string
	identity string
	hwm      int
}

func (t *InMem) OpenRouterIdentified(spec SocketSpec, instanceID string) (IdentifiedSocket, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	s := &routerIdentifiedSocket{t: t, endpoint: spec.Endpoint, identity: instanceID, hwm: 16}
	t.routedInbox(spec.Endpoint, instanceID, s.hwm)
	return s, nil
}

func (s *routerIdentifiedSocket) Identity() string          { return s.identity }
func (s *routerIdentifiedSocket) SetHWM(_, recvHWM int)      { s.hwm = recvHWM }
func (s *routerIdentifiedSocket) Close() error               { return nil }

func (s *routerIdentifiedSocket) Send(ctx context.Context, env wire.ReplyEnvelope, payload []byte) error {
	return fmt.Errorf("transport: router-identified socket is receive-only in this hub")
}

func (s *routerIdentifiedSocket) Recv(ctx context.Context) (wire.ReplyEnvelope, []byte, error) {
	if s.t.isClosed() {
		return wire.ReplyEnvelope{}, nil, ErrClosed
	}
	ch := s.t.routedInbox(s.endpoint, s.identity, s.hwm)
	select {
	case m := <-ch:
		return m.env, m.payload, nil
	case <-ctx.Done():
		return wire.ReplyEnvelope{}, nil, ctx.Err()
	}
}

var _ Transport = (*InMem)(nil)
