// Package ws provides WebSocket server functionality for client connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kvnkishore11/agentickanban/ingress/internal/config"
	"github.com/kvnkishore11/agentickanban/ingress/internal/hub"
	"github.com/kvnkishore11/agentickanban/ingress/internal/metrics"
	"github.com/kvnkishore11/agentickanban/ingress/internal/orchestrator"
	"github.com/kvnkishore11/agentickanban/ingress/internal/router"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// Orchestrator is the subset of the orchestrator API the edge relays to.
type Orchestrator interface {
	Trigger(ctx context.Context, req *protocol.TriggerRequest) (*protocol.TriggerResponse, error)
	Snapshot(ctx context.Context, runID string) (*protocol.RunSnapshot, error)
	Events(ctx context.Context, runID string, afterSeq int64, limit int) (*orchestrator.EventsResponse, error)
	ReportError(ctx context.Context, runID, message string) (*orchestrator.ReportErrorResponse, error)
}

const requestTimeout = 30 * time.Second

// Server handles WebSocket connections.
type Server struct {
	cfg          *config.Config
	registry     *hub.Registry
	router       *router.Router
	orchestrator Orchestrator
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, reg *hub.Registry, rt *router.Router, orch Orchestrator, m *metrics.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		registry:     reg,
		router:       rt,
		orchestrator: orch,
		metrics:      m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.registry.NewConnection(ws)
	s.registry.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.registry.Unregister(conn.ID)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		s.registry.Touch(conn.ID)
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection. A write failure
// ends the pump, which closes the socket and lets readPump unregister it.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Registry closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message to %s: %v", conn.ID, err)
				s.registry.Unregister(conn.ID)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.registry.Unregister(conn.ID)
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
// Malformed frames are answered with an error frame and never close the
// connection.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	s.registry.Touch(conn.ID)

	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Printf("WARN: dropping malformed frame from %s: %v", conn.ID, err)
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}
	s.metrics.ObserveControl(msgType)

	switch msgType {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeTriggerRun:
		s.handleTriggerRun(conn, data)
	case protocol.TypeResync:
		s.handleResync(conn, data)
	case protocol.TypeCancelRun:
		s.handleCancelRun(conn, data)
	default:
		log.Printf("WARN: dropping unknown frame type %q from %s", msgType, conn.ID)
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "unknown message type: "+msgType)
	}
}

// handleHello handles the hello handshake message.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	// Validate API key if configured. A rejected connection is closed once
	// the error frame is flushed.
	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		log.Printf("WARN: rejected hello from %s: invalid api_key", conn.ID)
		s.sendError(conn, protocol.ErrorCodeUnauthorized, "invalid api_key")
		s.registry.Unregister(conn.ID)
		return
	}

	clientID := msg.ClientID
	if clientID == "" {
		clientID = conn.ID
	}
	conn.BindClient(clientID)

	s.router.SendControl(conn.ID, protocol.HelloAckMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHelloAck,
			Ts:        time.Now().UnixMilli(),
			RequestID: msg.RequestID,
		},
		ConnectionID:        conn.ID,
		HeartbeatIntervalMs: s.cfg.HeartbeatInterval.Milliseconds(),
	})

	log.Printf("Hello handshake completed: conn=%s client=%s resume=%d", conn.ID, clientID, len(msg.Resume))

	if len(msg.Resume) > 0 {
		go s.replay(conn.ID, msg.Resume)
	}
}

// replay sends every stored event each resumed run produced after the
// sequence the client reported.
func (s *Server) replay(connID string, resume map[string]int64) {
	for runID, afterSeq := range resume {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp, err := s.orchestrator.Events(ctx, runID, afterSeq, s.cfg.ReplayLimit)
		cancel()
		if err != nil {
			log.Printf("WARN: replay for run %s failed: %v", runID, err)
			continue
		}

		for _, evt := range resp.Events {
			ok, err := s.router.SendTo(connID, evt)
			if err != nil {
				log.Printf("WARN: skipping replayed event %s: %v", evt.Fingerprint(), err)
				continue
			}
			if !ok {
				return
			}
		}
		log.Printf("Replayed %d events for run %s to %s", len(resp.Events), runID, connID)
	}
}

// handleTriggerRun forwards a trigger to the orchestrator and acks the
// requesting connection.
func (s *Server) handleTriggerRun(conn *hub.Connection, data []byte) {
	var msg protocol.TriggerRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid trigger_run message")
		return
	}
	if !s.requireHello(conn, msg.RequestID) {
		return
	}
	if msg.TaskID == "" || len(msg.WorkflowStages) == 0 {
		s.sendAck(conn.ID, &protocol.AckMessage{
			BaseMessage: protocol.BaseMessage{RequestID: msg.RequestID},
			Code:        protocol.ErrorCodeInvalidTrigger,
			Error:       "task_id and workflow_stages are required",
		})
		return
	}

	req := msg.TriggerRequest
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		resp, err := s.orchestrator.Trigger(ctx, &req)
		if err != nil {
			log.Printf("Orchestrator trigger failed: %v", err)
			s.sendAck(conn.ID, &protocol.AckMessage{
				BaseMessage: protocol.BaseMessage{RequestID: msg.RequestID},
				Code:        protocol.ErrorCodeOrchestratorFail,
				Error:       err.Error(),
			})
			return
		}

		s.sendAck(conn.ID, &protocol.AckMessage{
			BaseMessage: protocol.BaseMessage{RequestID: msg.RequestID},
			Accepted:    resp.Accepted,
			RunID:       resp.RunID,
			Code:        resp.Code,
			Error:       resp.Error,
		})
		log.Printf("Trigger relayed: task=%s run_id=%s accepted=%v", req.TaskID, resp.RunID, resp.Accepted)
	}()
}

// handleResync answers with a full snapshot of the run.
func (s *Server) handleResync(conn *hub.Connection, data []byte) {
	var msg protocol.ResyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid resync message")
		return
	}
	if !s.requireHello(conn, msg.RequestID) {
		return
	}
	if msg.RunID == "" {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		snap, err := s.orchestrator.Snapshot(ctx, msg.RunID)
		if err != nil {
			code := protocol.ErrorCodeOrchestratorFail
			if errors.Is(err, orchestrator.ErrRunNotFound) {
				code = protocol.ErrorCodeRunNotFound
			}
			s.sendAck(conn.ID, &protocol.AckMessage{
				BaseMessage: protocol.BaseMessage{RequestID: msg.RequestID},
				RunID:       msg.RunID,
				Code:        code,
				Error:       err.Error(),
			})
			return
		}

		s.sendAck(conn.ID, &protocol.AckMessage{
			BaseMessage: protocol.BaseMessage{RequestID: msg.RequestID},
			Accepted:    true,
			RunID:       msg.RunID,
			Snapshot:    snap,
		})
	}()
}

// handleCancelRun reports the run as errored.
func (s *Server) handleCancelRun(conn *hub.Connection, data []byte) {
	var msg protocol.CancelRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid cancel_run message")
		return
	}
	if !s.requireHello(conn, msg.RequestID) {
		return
	}
	if msg.RunID == "" {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "run_id is required")
		return
	}

	reason := msg.Reason
	if reason == "" {
		reason = "cancelled by client"
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		ack := &protocol.AckMessage{
			BaseMessage: protocol.BaseMessage{RequestID: msg.RequestID},
			RunID:       msg.RunID,
		}
		if _, err := s.orchestrator.ReportError(ctx, msg.RunID, reason); err != nil {
			log.Printf("Cancel run failed: %v", err)
			ack.Code = protocol.ErrorCodeOrchestratorFail
			if errors.Is(err, orchestrator.ErrRunNotFound) {
				ack.Code = protocol.ErrorCodeRunNotFound
			}
			ack.Error = err.Error()
		} else {
			ack.Accepted = true
			log.Printf("Run cancelled: run_id=%s", msg.RunID)
		}
		s.sendAck(conn.ID, ack)
	}()
}

func (s *Server) requireHello(conn *hub.Connection, requestID string) bool {
	if conn.ClientID() != "" {
		return true
	}
	if requestID != "" {
		s.sendAck(conn.ID, &protocol.AckMessage{
			BaseMessage: protocol.BaseMessage{RequestID: requestID},
			Code:        protocol.ErrorCodeSessionRequired,
			Error:       "must send hello first",
		})
		return false
	}
	s.sendError(conn, protocol.ErrorCodeSessionRequired, "must send hello first")
	return false
}

func (s *Server) sendAck(connID string, ack *protocol.AckMessage) {
	ack.Type = protocol.TypeAck
	ack.Ts = time.Now().UnixMilli()
	s.router.SendControl(connID, ack)
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	s.router.SendControl(conn.ID, protocol.ErrorMessage{
		BaseMessage: protocol.BaseMessage{
			Type: protocol.TypeError,
			Ts:   time.Now().UnixMilli(),
		},
		Code:    code,
		Message: message,
	})
}
