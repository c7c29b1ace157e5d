// Package server implements the server-flavor manager loop: a single
// goroutine multiplexing a routed request socket, a pull socket, a
// routed-identified stream socket and a publish socket into
// server-request and server-stream handle registries.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/registry"
	"github.com/wiremesh/hub/transport"
	"github.com/wiremesh/hub/wire"
)

// Config is the constructor input for a server Manager (mirrors the
// root package's hub.Config so the two packages don't form an import
// cycle).
type Config struct {
	Transport   transport.Transport
	InstanceID  string
	RetainedMax int
	HWM         int
	HandleBound int
	Logger      *slog.Logger
}

// Manager owns the server-side sockets, registries and arena and runs
// the single-goroutine event loop described in spec.md §4.4.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	arena  *arena.Arena

	reqReg    *registry.ServerRequest
	streamReg *registry.ServerStream

	req      transport.Socket
	in       transport.Socket
	inStream transport.IdentifiedSocket
	out      transport.Socket

	ctrl      chan ctrlRequest
	done      chan struct{}
	closeOnce sync.Once
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// New starts the manager's goroutine and returns a Manager plus its
// Control surface.
func New(cfg Config) (*Manager, *Control) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	capacity := registry.HandlesMax*max(cfg.HWM, 1) + max(cfg.RetainedMax, 0) + 1
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		arena:     arena.New(capacity),
		reqReg:    registry.NewServerRequest(),
		streamReg: registry.NewServerStream(),
		ctrl:      make(chan ctrlRequest, 16),
		done:      make(chan struct{}),
	}
	go m.loop()
	return m, &Control{mgr: m}
}

// Wait blocks until the loop has exited.
func (m *Manager) Wait() { <-m.done }

func (m *Manager) send(req ctrlRequest) {
	select {
	case m.ctrl <- req:
	case <-m.done:
	}
}

func (m *Manager) sendWithReply(req ctrlRequest) ctrlReply {
	req.reply = make(chan ctrlReply, 1)
	select {
	case m.ctrl <- req:
	case <-m.done:
		return ctrlReply{err: ErrStopped}
	}
	select {
	case r := <-req.reply:
		return r
	case <-m.done:
		return ctrlReply{err: ErrStopped}
	}
}

type asyncResult[T any] struct {
	val T
	err error
}

func (m *Manager) loop() {
	defer close(m.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reqSocketRecvCh chan asyncResult[asyncEnvelope]
	var reqRegRecvCh chan asyncResult[registry.ServerReply]
	var reqSendDoneCh chan error
	var inRecvCh, inStreamRecvCh chan asyncResult[[]byte]
	var streamRegRecvCh chan asyncResult[[]byte]
	var outSendDoneCh chan error

	reqSendInFlight := false
	outSendInFlight := false

	for {
		if m.req != nil && reqSocketRecvCh == nil {
			reqSocketRecvCh = armEnvelopeRecv(ctx, m.req)
		}
		if m.reqReg != nil && reqRegRecvCh == nil && !reqSendInFlight {
			reqRegRecvCh = armReplyRecv(ctx, m.reqReg.Recv)
		}
		if m.in != nil && inRecvCh == nil {
			inRecvCh = armSocketRecv(ctx, m.in)
		}
		if m.inStream != nil && inStreamRecvCh == nil {
			inStreamRecvCh = armSocketRecv(ctx, m.inStream)
		}
		if m.out != nil && streamRegRecvCh == nil && !outSendInFlight {
			streamRegRecvCh = armBytesRecv(ctx, m.streamReg.Recv)
		}

		select {
		case req := <-m.ctrl:
			m.handleControl(req)
			if req.kind == opStop {
				return
			}

		case res := <-reqSocketRecvCh:
			reqSocketRecvCh = nil
			if res.err != nil {
				m.logger.Warn("server: req socket recv failed", "err", res.err)
				continue
			}
			m.dispatchRequest(res.val)

		case res := <-reqRegRecvCh:
			reqRegRecvCh = nil
			if res.err == nil {
				reqSendInFlight = true
				reqSendDoneCh = armSend(ctx, m.req, res.val.Env, res.val.Payload)
			}

		case err := <-reqSendDoneCh:
			reqSendInFlight = false
			reqSendDoneCh = nil
			if err != nil {
				m.logger.Warn("server: req reply send failed", "err", err)
			}

		case res := <-inRecvCh:
			inRecvCh = nil
			if res.err != nil {
				m.logger.Warn("server: in socket recv failed", "err", res.err)
				continue
			}
			m.dispatchStream(ctx, res.val)

		case res := <-inStreamRecvCh:
			inStreamRecvCh = nil
			if res.err != nil {
				m.logger.Warn("server: in_stream socket recv failed", "err", res.err)
				continue
			}
			m.dispatchStream(ctx, res.val)

		case res := <-streamRegRecvCh:
			streamRegRecvCh = nil
			if res.err == nil {
				outSendInFlight = true
				outSendDoneCh = armSend(ctx, m.out, wire.ReplyEnvelope{}, res.val)
			}

		case err := <-outSendDoneCh:
			outSendInFlight = false
			outSendDoneCh = nil
			if err != nil {
				m.logger.Warn("server: out send failed", "err", err)
			}
		}

		if m.reqReg.NeedCleanup() {
			m.reqReg.Cleanup(func(idx int) { m.logger.Debug("server: request handle removed", "idx", idx) })
		}
		if m.streamReg.NeedCleanup() {
			m.streamReg.Cleanup(func(idx int) { m.logger.Debug("server: stream handle removed", "idx", idx) })
		}
	}
}

// dispatchRequest wraps a captured routed request into a shared message
// and hands it to the round-robin-with-fallback registry.
func (m *Manager) dispatchRequest(item asyncEnvelope) {
	msg, err := m.arena.Allocate(item.payload)
	if err != nil {
		m.logger.Error("server: arena exhausted", "err", err)
		return
	}
	m.reqReg.Send(context.Background(), item.env, msg)
}

func (m *Manager) dispatchStream(ctx context.Context, raw []byte) {
	ids, err := wire.ParseIdentifiers(raw)
	if err != nil {
		m.logger.Warn("server: malformed frame", "err", err)
		return
	}
	msg, err := m.arena.Allocate(raw)
	if err != nil {
		m.logger.Error("server: arena exhausted", "err", err)
		return
	}
	m.streamReg.Send(ctx, msg, ids)
	msg.Release()
}

type asyncEnvelope struct {
	env     wire.ReplyEnvelope
	payload []byte
}

func armEnvelopeRecv(ctx context.Context, sock transport.Socket) chan asyncResult[asyncEnvelope] {
	ch := make(chan asyncResult[asyncEnvelope], 1)
	go func() {
		env, payload, err := sock.Recv(ctx)
		ch <- asyncResult[asyncEnvelope]{val: asyncEnvelope{env: env, payload: payload}, err: err}
	}()
	return ch
}

func armReplyRecv(ctx context.Context, recv func(context.Context) (registry.ServerReply, error)) chan asyncResult[registry.ServerReply] {
	ch := make(chan asyncResult[registry.ServerReply], 1)
	go func() {
		v, err := recv(ctx)
		ch <- asyncResult[registry.ServerReply]{val: v, err: err}
	}()
	return ch
}

func armBytesRecv(ctx context.Context, recv func(context.Context) ([]byte, error)) chan asyncResult[[]byte] {
	ch := make(chan asyncResult[[]byte], 1)
	go func() {
		v, err := recv(ctx)
		ch <- asyncResult[[]byte]{val: v, err: err}
	}()
	return ch
}

func armSocketRecv(ctx context.Context, sock transport.Socket) chan asyncResult[[]byte] {
	ch := make(chan asyncResult[[]byte], 1)
	go func() {
		_, payload, err := sock.Recv(ctx)
		ch <- asyncResult[[]byte]{val: payload, err: err}
	}()
	return ch
}

func armSend(ctx context.Context, sock transport.Socket, env wire.ReplyEnvelope, payload []byte) chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- sock.Send(ctx, env, payload)
	}()
	return ch
}

func (m *Manager) handleControl(req ctrlRequest) {
	switch req.kind {
	case opStop:
		return
	case opSetReq:
		m.applySetReq(req)
	case opSetStream:
		m.applySetStream(req)
	case opAddRequestHandle:
		m.applyAddRequestHandle(req)
	case opAddStreamHandle:
		m.applyAddStreamHandle(req)
	}
}

func (m *Manager) applySetReq(req ctrlRequest) {
	if len(req.reqSpecs) == 0 {
		req.reply <- ctrlReply{}
		return
	}
	sock, err := m.cfg.Transport.OpenRouterRequest(req.reqSpecs[0])
	if err != nil {
		req.reply <- ctrlReply{err: err}
		return
	}
	sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
	m.req = sock
	req.reply <- ctrlReply{}
}

func (m *Manager) applySetStream(req ctrlRequest) {
	if len(req.inSpecs) > 0 {
		sock, err := m.cfg.Transport.OpenPull(req.inSpecs[0])
		if err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
		m.in = sock
	}
	if len(req.inStreamSpecs) > 0 {
		sock, err := m.cfg.Transport.OpenRouterIdentified(req.inStreamSpecs[0], m.cfg.InstanceID)
		if err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
		m.inStream = sock
	}
	if len(req.outSpecs) > 0 {
		sock, err := m.cfg.Transport.OpenPublish(req.outSpecs[0])
		if err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
		m.out = sock
	}
	m.streamReg.Freeze()
	req.reply <- ctrlReply{}
}

// applyAddRequestHandle registers the channels Control.AddRequestHandle
// already handed to its caller. Per spec §7 error taxonomy item 6, a
// capacity-exceeded registration is logged and dropped here — it never
// reaches back to the caller, since Add* does not reply.
func (m *Manager) applyAddRequestHandle(req ctrlRequest) {
	if _, err := m.reqReg.Add(req.reqHandleOut, req.reqHandleIn); err != nil {
		m.logger.Error("server: add request handle dropped", "err", err)
	}
}

// applyAddStreamHandle registers a stream handle's channels unless
// stream specs have already been applied, in which case the hash
// modulus is frozen and the registration is logged and dropped rather
// than added (spec.md §4.4 ordering rule).
func (m *Manager) applyAddStreamHandle(req ctrlRequest) {
	if _, err := m.streamReg.Add(req.streamHandleOut, req.streamHandleIn); err != nil {
		m.logger.Error("server: add stream handle dropped", "err", err)
	}
}
