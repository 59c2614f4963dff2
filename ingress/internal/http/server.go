// Package http provides the internal HTTP server for ingress.
package http

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kvnkishore11/agentickanban/ingress/internal/hub"
	"github.com/kvnkishore11/agentickanban/ingress/internal/metrics"
	"github.com/kvnkishore11/agentickanban/ingress/internal/router"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// Server is the internal HTTP server for ingress.
type Server struct {
	echo     *echo.Echo
	registry *hub.Registry
	router   *router.Router
}

// NewServer creates a new internal HTTP server.
func NewServer(reg *hub.Registry, rt *router.Router, m *metrics.Metrics) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		registry: reg,
		router:   rt,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.GET("/internal/connections", s.handleConnections)
	e.POST("/internal/send", s.handleInternalSend)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.registry.Count(),
	})
}

func (s *Server) handleConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": s.registry.Connections(),
	})
}

// SendRequest represents the request body for POST /internal/send.
type SendRequest struct {
	ConnectionID string          `json:"connection_id,omitempty"`
	Exclude      []string        `json:"exclude,omitempty"`
	Event        *protocol.Event `json:"event"`
}

// SendResponse represents the response for POST /internal/send.
type SendResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// handleInternalSend publishes an event, addressed to one connection when
// connection_id is set and broadcast otherwise.
func (s *Server) handleInternalSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.Event == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}

	var (
		delivered int
		err       error
	)
	if req.ConnectionID != "" {
		var ok bool
		ok, err = s.router.SendTo(req.ConnectionID, req.Event)
		if ok {
			delivered = 1
		}
	} else {
		delivered, err = s.router.Publish(req.Event, req.Exclude...)
	}
	if err != nil {
		if errors.Is(err, router.ErrMissingRunID) || errors.Is(err, router.ErrMissingType) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		log.Printf("Failed to publish event: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to publish event"})
	}

	return c.JSON(http.StatusOK, SendResponse{OK: true, Delivered: delivered})
}
