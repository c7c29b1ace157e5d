// Package client implements the client-flavor manager loop: a single
// goroutine multiplexing a request socket, a push socket, an addressed
// stream socket and a subscribe socket into client-request and
// client-stream handle registries.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wiremesh/hub/arena"
	"github.com/wiremesh/hub/registry"
	"github.com/wiremesh/hub/transport"
	"github.com/wiremesh/hub/wire"
)

// Config is the constructor input for a client Manager (mirrors the
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

// Manager owns the client-side sockets, registries and arena and runs
// the single-goroutine event loop described in spec.md §4.3.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	arena  *arena.Arena

	reqReg    *registry.ClientRequest
	streamReg *registry.ClientStream

	req       transport.Socket
	out       transport.Socket
	outStream transport.AddressedSocket
	in        transport.SubscribableSocket

	ctrl     chan ctrlRequest
	done     chan struct{}
	closeOnce sync.Once
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
		reqReg:    registry.NewClientRequest(),
		streamReg: registry.NewClientStream(),
		ctrl:      make(chan ctrlRequest, 16),
		done:      make(chan struct{}),
	}
	go m.loop()
	return m, &Control{mgr: m}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
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

	var reqRecvCh, reqSocketRecvCh chan asyncResult[[]byte]
	var reqSendDoneCh chan error
	var anyRecvCh chan asyncResult[[]byte]
	var addrRecvCh chan asyncResult[registry.Addressed]
	var outSendDoneCh, outStreamSendDoneCh chan error
	var inRecvCh chan asyncResult[[]byte]

	reqSendInFlight := false
	outSendInFlight := false
	outStreamSendInFlight := false

	for {
		if m.req != nil && reqRecvCh == nil && !reqSendInFlight {
			reqRecvCh = armBytesRecv(ctx, m.reqReg.Recv)
		}
		if m.streamReg != nil && anyRecvCh == nil && !outSendInFlight && m.out != nil {
			anyRecvCh = armBytesRecv(ctx, m.streamReg.RecvAny)
		}
		if m.streamReg != nil && addrRecvCh == nil && !outStreamSendInFlight && m.outStream != nil {
			addrRecvCh = armAddrRecv(ctx, m.streamReg.RecvAddressed)
		}
		if m.in != nil && inRecvCh == nil {
			inRecvCh = armSocketRecv(ctx, m.in)
		}
		if m.req != nil && reqSocketRecvCh == nil {
			reqSocketRecvCh = armSocketRecv(ctx, m.req)
		}

		select {
		case req := <-m.ctrl:
			m.handleControl(req)
			if req.kind == opStop {
				return
			}

		case res := <-reqRecvCh:
			reqRecvCh = nil
			if res.err == nil {
				reqSendInFlight = true
				reqSendDoneCh = armSend(ctx, m.req, wire.ReplyEnvelope{}, res.val)
			}

		case err := <-reqSendDoneCh:
			reqSendInFlight = false
			reqSendDoneCh = nil
			if err != nil {
				m.logger.Warn("client: req send failed", "err", err)
			}

		case res := <-reqSocketRecvCh:
			reqSocketRecvCh = nil
			if res.err != nil {
				m.logger.Warn("client: req socket recv failed", "err", res.err)
				continue
			}
			m.dispatchInbound(ctx, res.val, m.reqReg)

		case res := <-anyRecvCh:
			anyRecvCh = nil
			if res.err == nil {
				outSendInFlight = true
				outSendDoneCh = armSend(ctx, m.out, wire.ReplyEnvelope{}, res.val)
			}

		case err := <-outSendDoneCh:
			outSendInFlight = false
			outSendDoneCh = nil
			if err != nil {
				m.logger.Warn("client: out send failed", "err", err)
			}

		case res := <-addrRecvCh:
			addrRecvCh = nil
			if res.err == nil {
				outStreamSendInFlight = true
				outStreamSendDoneCh = m.armAddressedSend(ctx, res.val)
			}

		case err := <-outStreamSendDoneCh:
			outStreamSendInFlight = false
			outStreamSendDoneCh = nil
			if err != nil {
				m.logger.Warn("client: out_stream send failed", "err", err)
			}

		case res := <-inRecvCh:
			inRecvCh = nil
			if res.err != nil {
				m.logger.Warn("client: in socket recv failed", "err", res.err)
				continue
			}
			rest, ok := wire.TrimPrefix(res.val, m.cfg.InstanceID)
			if !ok {
				m.logger.Warn("client: dropped frame missing instance prefix")
				continue
			}
			m.dispatchInbound(ctx, rest, m.streamReg)
		}

		if m.reqReg.NeedCleanup() {
			m.reqReg.Cleanup(func(idx int) { m.logger.Debug("client: request handle removed", "idx", idx) })
		}
		if m.streamReg.NeedCleanup() {
			m.streamReg.Cleanup(func(idx int) { m.logger.Debug("client: stream handle removed", "idx", idx) })
		}
	}
}

type inboundDispatcher interface {
	Send(ctx context.Context, msg *arena.Message, ids [][]byte) int
}

func (m *Manager) dispatchInbound(ctx context.Context, raw []byte, reg inboundDispatcher) {
	ids, err := wire.ParseIdentifiers(raw)
	if err != nil {
		m.logger.Warn("client: malformed frame", "err", err)
		return
	}
	msg, err := m.arena.Allocate(raw)
	if err != nil {
		m.logger.Error("client: arena exhausted", "err", err)
		return
	}
	reg.Send(ctx, msg, ids)
	msg.Release()
}

func armBytesRecv(ctx context.Context, recv func(context.Context) ([]byte, error)) chan asyncResult[[]byte] {
	ch := make(chan asyncResult[[]byte], 1)
	go func() {
		v, err := recv(ctx)
		ch <- asyncResult[[]byte]{val: v, err: err}
	}()
	return ch
}

func armAddrRecv(ctx context.Context, recv func(context.Context) (registry.Addressed, error)) chan asyncResult[registry.Addressed] {
	ch := make(chan asyncResult[registry.Addressed], 1)
	go func() {
		v, err := recv(ctx)
		ch <- asyncResult[registry.Addressed]{val: v, err: err}
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

// armAddressedSend retries the mandatory-routed send every
// transport.AddressedRetryDelay for as long as the peer is unreachable.
// There is no per-peer targeting of the delay and no bound on attempts:
// any peer may satisfy readiness, and the loop just keeps trying until
// it succeeds or ctx is cancelled (spec.md §4.3, §5).
func (m *Manager) armAddressedSend(ctx context.Context, item registry.Addressed) chan error {
	ch := make(chan error, 1)
	go func() {
		for {
			err := m.outStream.SendTo(ctx, item.Addr, item.Payload)
			if err == nil {
				ch <- nil
				return
			}
			if ctx.Err() != nil {
				ch <- ctx.Err()
				return
			}
			m.logger.Debug("client: addressed peer unreachable, retrying", "err", err)
			timer := time.NewTimer(transport.AddressedRetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				ch <- ctx.Err()
				return
			}
		}
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
	sock, err := m.cfg.Transport.OpenRequest(req.reqSpecs[0])
	if err != nil {
		req.reply <- ctrlReply{err: err}
		return
	}
	sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
	m.req = sock
	req.reply <- ctrlReply{}
}

func (m *Manager) applySetStream(req ctrlRequest) {
	if len(req.outSpecs) > 0 {
		sock, err := m.cfg.Transport.OpenPush(req.outSpecs[0])
		if err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
		m.out = sock
	}
	if len(req.outStreamSpecs) > 0 {
		sock, err := m.cfg.Transport.OpenAddressed(req.outStreamSpecs[0])
		if err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
		m.outStream = sock
	}
	if len(req.inSpecs) > 0 {
		sock, err := m.cfg.Transport.OpenSubscribe(req.inSpecs[0], m.cfg.InstanceID)
		if err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		sock.SetHWM(m.cfg.HWM, m.cfg.HWM)
		if err := sock.Subscribe([]byte(m.cfg.InstanceID + " ")); err != nil {
			req.reply <- ctrlReply{err: err}
			return
		}
		m.in = sock
	}
	req.reply <- ctrlReply{}
}

// applyAddRequestHandle registers the channels Control.AddRequestHandle
// already handed to its caller. Per spec §7 error taxonomy item 6, a
// capacity-exceeded registration is logged and dropped here — it never
// reaches back to the caller, since Add* does not reply.
func (m *Manager) applyAddRequestHandle(req ctrlRequest) {
	if _, err := m.reqReg.Add(req.prefix, req.reqHandleOut, req.reqHandleIn); err != nil {
		m.logger.Error("client: add request handle dropped", "err", err)
	}
}

func (m *Manager) applyAddStreamHandle(req ctrlRequest) {
	if _, err := m.streamReg.Add(req.prefix, req.streamHandleOut, req.streamHandleInAny, req.streamHandleInAddr); err != nil {
		m.logger.Error("client: add stream handle dropped", "err", err)
	}
}
