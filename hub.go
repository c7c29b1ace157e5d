// Package hub wires the client and server manager flavors behind one
// constructor surface, translating a single Config into the mirrored
// client.Config / server.Config each flavor's package defines on its own
// to avoid an import cycle with this package.
package hub

import (
	"log/slog"

	"github.com/wiremesh/hub/client"
	"github.com/wiremesh/hub/server"
	"github.com/wiremesh/hub/transport"
)

// Config is the constructor input shared by NewClient and NewServer.
type Config struct {
	Transport   transport.Transport
	InstanceID  string
	RetainedMax int
	HWM         int
	HandleBound int
	Logger      *slog.Logger
}

// Client is the client-flavor hub: request socket, push socket,
// addressed stream socket and subscribe socket multiplexed into
// client-request and client-stream handles.
type Client struct {
	mgr *client.Manager
	*client.Control
}

// NewClient starts a client-flavor manager loop and returns its control
// surface embedded in a Client.
func NewClient(cfg Config) *Client {
	mgr, ctrl := client.New(client.Config{
		Transport:   cfg.Transport,
		InstanceID:  cfg.InstanceID,
		RetainedMax: cfg.RetainedMax,
		HWM:         cfg.HWM,
		HandleBound: cfg.HandleBound,
		Logger:      cfg.Logger,
	})
	return &Client{mgr: mgr, Control: ctrl}
}

// Wait blocks until the underlying manager loop has exited.
func (c *Client) Wait() { c.mgr.Wait() }

// Close requests the manager loop stop and blocks until its worker
// goroutine has actually exited (spec.md §5 P6: dropping the manager
// sends Stop and then joins the worker; no message is delivered after
// Close returns).
func (c *Client) Close() {
	c.Stop()
	c.Wait()
}

// Server is the server-flavor hub: routed request socket, pull socket,
// routed-identified stream socket and publish socket multiplexed into
// server-request and server-stream handles.
type Server struct {
	mgr *server.Manager
	*server.Control
}

// NewServer starts a server-flavor manager loop and returns its control
// surface embedded in a Server.
func NewServer(cfg Config) *Server {
	mgr, ctrl := server.New(server.Config{
		Transport:   cfg.Transport,
		InstanceID:  cfg.InstanceID,
		RetainedMax: cfg.RetainedMax,
		HWM:         cfg.HWM,
		HandleBound: cfg.HandleBound,
		Logger:      cfg.Logger,
	})
	return &Server{mgr: mgr, Control: ctrl}
}

// Wait blocks until the underlying manager loop has exited.
func (s *Server) Wait() { s.mgr.Wait() }

// Close requests the manager loop stop and blocks until its worker
// goroutine has actually exited (spec.md §5 P6).
func (s *Server) Close() {
	s.Stop()
	s.Wait()
}
