// Package hooks provides the per-run hook dispatcher the workflow process
// reports telemetry through.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
)

// Context is the read-only payload handed to every callback.
type Context struct {
	RunID    string
	TaskID   string
	Stage    domain.Stage
	Model    string
	ToolName string
	Input    json.RawMessage
	Output   json.RawMessage
	Success  bool
	Error    string
	Duration time.Duration
	Content  string
	StepSeq  int
}

// Callback observes one hook point. Callbacks run synchronously inside the
// step that fired them, so anything doing I/O must hand work off.
type Callback func(ctx context.Context, hc Context) error

type registration struct {
	name string
	fn   Callback
}

// Dispatcher is a registry of callbacks keyed by hook point.
type Dispatcher struct {
	mu        sync.RWMutex
	callbacks map[domain.HookPoint][]registration
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{callbacks: make(map[domain.HookPoint][]registration)}
}

// Register adds a callback for a hook point. Callbacks fire in registration
// order.
func (d *Dispatcher) Register(point domain.HookPoint, name string, fn Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[point] = append(d.callbacks[point], registration{name: name, fn: fn})
}

// Fire invokes every callback registered for point. A callback that returns
// an error or panics is logged and skipped; Fire returns how many failed.
func (d *Dispatcher) Fire(ctx context.Context, point domain.HookPoint, hc Context) int {
	d.mu.RLock()
	regs := d.callbacks[point]
	d.mu.RUnlock()

	failed := 0
	for _, reg := range regs {
		if err := invoke(ctx, reg.fn, hc); err != nil {
			failed++
			log.Printf("WARN: hook %s/%s failed for run %s: %v", point, reg.name, hc.RunID, err)
		}
	}
	return failed
}

// Len returns the number of callbacks registered for point.
func (d *Dispatcher) Len(point domain.HookPoint) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.callbacks[point])
}

func invoke(ctx context.Context, fn Callback, hc Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, hc)
}
