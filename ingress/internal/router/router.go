// Package router serializes events once and fans them out through the registry.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kvnkishore11/agentickanban/ingress/internal/hub"
	"github.com/kvnkishore11/agentickanban/ingress/internal/metrics"
	"github.com/kvnkishore11/agentickanban/protocol"
)

var (
	// ErrMissingType is returned for an envelope without a type.
	ErrMissingType = errors.New("event type is required")
	// ErrMissingRunID is returned for a run-scoped event without a run id.
	ErrMissingRunID = errors.New("run_id is required")
)

// Router is the single entry point for server-to-client delivery.
type Router struct {
	registry *hub.Registry
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a router on top of a registry.
func New(registry *hub.Registry, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
		now:      time.Now,
	}
}

// Publish broadcasts an event to every connection except those excluded and
// returns how many connections accepted it.
func (r *Router) Publish(evt *protocol.Event, exclude ...string) (int, error) {
	data, err := r.encode(evt)
	if err != nil {
		return 0, err
	}
	r.metrics.ObserveBroadcast(string(evt.Type))
	return r.registry.Broadcast(data, exclude...), nil
}

// SendTo delivers an event to a single connection.
func (r *Router) SendTo(connID string, evt *protocol.Event) (bool, error) {
	data, err := r.encode(evt)
	if err != nil {
		return false, err
	}
	return r.registry.Send(connID, data), nil
}

// SendControl delivers a control frame to a single connection.
func (r *Router) SendControl(connID string, msg interface{}) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ERROR: failed to marshal control message: %v", err)
		return false
	}
	return r.registry.Send(connID, data)
}

// Connections returns the live connection count.
func (r *Router) Connections() int {
	return r.registry.Count()
}

// RunHeartbeat broadcasts a heartbeat on every tick until ctx is done.
func (r *Router) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Heartbeat()
		}
	}
}

// Heartbeat broadcasts the live connection count once.
func (r *Router) Heartbeat() int {
	evt, err := protocol.NewEvent("", "", protocol.Heartbeat{Connections: r.registry.Count()})
	if err != nil {
		log.Printf("ERROR: failed to build heartbeat: %v", err)
		return 0
	}
	n, err := r.Publish(evt)
	if err != nil {
		log.Printf("ERROR: failed to publish heartbeat: %v", err)
	}
	return n
}

// encode validates the envelope, stamps a missing timestamp and serializes
// it. The caller's event is not modified.
func (r *Router) encode(evt *protocol.Event) ([]byte, error) {
	if evt == nil || evt.Type == "" {
		return nil, ErrMissingType
	}
	if evt.Type.RunScoped() && evt.RunID == "" {
		return nil, fmt.Errorf("%s event: %w", evt.Type, ErrMissingRunID)
	}

	out := *evt
	if out.Timestamp.IsZero() {
		out.Timestamp = r.now().UTC()
	}
	if len(out.Payload) == 0 {
		out.Payload = json.RawMessage(`{}`)
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}
