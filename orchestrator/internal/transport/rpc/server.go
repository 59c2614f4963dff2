// Package rpc exposes the workflow worker API over JSON-RPC.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/service"
)

// Server accepts JSON-RPC connections from workflow workers.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the orchestrator service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Orchestrator", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
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

// Serve accepts connections on ln until Shutdown.
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

// Handler implements orchestrator RPC methods.
type Handler struct {
	service *service.Service
}

// HookArgs carries one telemetry hook of a run.
type HookArgs struct {
	RunID      string          `json:"run_id"`
	Point      string          `json:"point"`
	Stage      string          `json:"stage,omitempty"`
	Model      string          `json:"model,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Content    string          `json:"content,omitempty"`
	StepSeq    int             `json:"step_seq,omitempty"`
}

// HookReply reports how many callbacks failed.
type HookReply struct {
	Failed int `json:"failed"`
}

// StageResultArgs resolves an externally executed stage.
type StageResultArgs struct {
	RunID   string `json:"run_id"`
	Stage   string `json:"stage"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// FireHook delivers worker telemetry to a run's hook dispatcher.
func (h *Handler) FireHook(req *HookArgs, resp *HookReply) error {
	if req == nil {
		return errors.New("hook request is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}
	point, err := domain.ParseHookPoint(req.Point)
	if err != nil {
		return err
	}

	hc := hooks.Context{
		Model:    req.Model,
		ToolName: req.ToolName,
		Input:    req.Input,
		Output:   req.Output,
		Success:  req.Success,
		Error:    req.Error,
		Duration: time.Duration(req.DurationMs) * time.Millisecond,
		Content:  req.Content,
		StepSeq:  req.StepSeq,
	}
	if req.Stage != "" {
		if hc.Stage, err = domain.ParseStage(req.Stage); err != nil {
			return err
		}
	}

	failed, err := h.service.FireHook(context.Background(), req.RunID, point, hc)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.Failed = failed
	}
	return nil
}

// ReportStageResult resolves a stage run by an out-of-process workflow.
func (h *Handler) ReportStageResult(req *StageResultArgs, resp *AckResponse) error {
	if req == nil {
		return errors.New("stage result request is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}
	stage, err := domain.ParseStage(req.Stage)
	if err != nil {
		return err
	}

	if err := h.service.ReportStageResult(context.Background(), req.RunID, stage, req.Success, req.Error); err != nil {
		return err
	}
	if resp != nil {
		resp.OK = true
	}
	return nil
}
