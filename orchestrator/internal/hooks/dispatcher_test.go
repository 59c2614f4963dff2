package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
)

func TestFireRunsCallbacksInOrder(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Register(domain.HookAfterToolCall, "first", func(ctx context.Context, hc Context) error {
		order = append(order, "first:"+hc.ToolName)
		return nil
	})
	d.Register(domain.HookAfterToolCall, "second", func(ctx context.Context, hc Context) error {
		order = append(order, "second:"+hc.ToolName)
		return nil
	})

	failed := d.Fire(context.Background(), domain.HookAfterToolCall, Context{ToolName: "Edit"})
	assert.Equal(t, 0, failed)
	assert.Equal(t, []string{"first:Edit", "second:Edit"}, order)
}

func TestFireIsolatesErrorsAndPanics(t *testing.T) {
	d := NewDispatcher()
	reached := false
	d.Register(domain.HookReasoningStep, "errors", func(ctx context.Context, hc Context) error {
		return errors.New("boom")
	})
	d.Register(domain.HookReasoningStep, "panics", func(ctx context.Context, hc Context) error {
		panic("kaboom")
	})
	d.Register(domain.HookReasoningStep, "healthy", func(ctx context.Context, hc Context) error {
		reached = true
		return nil
	})

	failed := d.Fire(context.Background(), domain.HookReasoningStep, Context{RunID: "r1"})
	assert.Equal(t, 2, failed)
	assert.True(t, reached, "later callbacks must still run")
}

func TestFireWithoutCallbacks(t *testing.T) {
	d := NewDispatcher()
	assert.Equal(t, 0, d.Fire(context.Background(), domain.HookTextChunk, Context{}))
	assert.Equal(t, 0, d.Len(domain.HookTextChunk))
}

func TestCallbackReceivesCopy(t *testing.T) {
	d := NewDispatcher()
	d.Register(domain.HookBeforeToolCall, "mutator", func(ctx context.Context, hc Context) error {
		hc.ToolName = "changed"
		return nil
	})
	var seen string
	d.Register(domain.HookBeforeToolCall, "observer", func(ctx context.Context, hc Context) error {
		seen = hc.ToolName
		return nil
	})

	d.Fire(context.Background(), domain.HookBeforeToolCall, Context{ToolName: "Read"})
	assert.Equal(t, "Read", seen)
}
