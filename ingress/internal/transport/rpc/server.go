// Package rpc exposes the JSON-RPC endpoint the orchestrator pushes events to.
package rpc

import (
	"context"
	"errors"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/kvnkishore11/agentickanban/ingress/internal/router"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// Server exposes ingress RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new ingress RPC server.
func NewServer(rt *router.Router) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{router: rt}
	if err := rpcServer.RegisterName("Ingress", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements ingress RPC methods.
type Handler struct {
	router *router.Router
}

// SendRequest represents the request body for event delivery.
type SendRequest struct {
	Event *protocol.Event `json:"event"`
}

// SendResponse represents the response for event delivery.
type SendResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// PushEvent fans an orchestrator event out to every connected client.
func (h *Handler) PushEvent(req *SendRequest, resp *SendResponse) error {
	if req == nil || req.Event == nil {
		return errors.New("event is required")
	}

	delivered, err := h.router.Publish(req.Event)
	if err != nil {
		return err
	}

	if resp != nil {
		resp.OK = true
		resp.Delivered = delivered
	}
	return nil
}
