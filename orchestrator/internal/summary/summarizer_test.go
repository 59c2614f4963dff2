package summary

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/llm"
)

type recordingSink struct {
	mu   sync.Mutex
	got  map[string]string
	done chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(map[string]string), done: make(chan struct{}, 16)}
}

func (r *recordingSink) ApplySummary(ctx context.Context, job Job, content string) {
	r.mu.Lock()
	r.got[job.Scope()] = content
	r.mu.Unlock()
	r.done <- struct{}{}
}

type failingClient struct{}

func (failingClient) CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	return nil, errors.New("upstream down")
}

func TestSummarizerPublishesSummary(t *testing.T) {
	sink := newRecordingSink()
	s := New(llm.NewMockClient(), sink, Options{Model: "haiku", Rate: 100})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.True(t, s.Enqueue(Job{RunID: "r1", Path: "a.py", Diff: "--- a/a.py\n+++ b/a.py\n+x\n"}))

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("summary was not produced")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "[MOCK] 1 lines added, 0 lines removed.", sink.got["file:a.py"])
}

func TestEnqueueNeverBlocks(t *testing.T) {
	s := New(llm.NewMockClient(), newRecordingSink(), Options{QueueSize: 1})

	assert.True(t, s.Enqueue(Job{Path: "a"}))
	// No consumer is running, so the second job overflows.
	assert.False(t, s.Enqueue(Job{Path: "b"}))
	assert.Equal(t, 1, s.Dropped())
}

func TestSummarizerSwallowsLLMErrors(t *testing.T) {
	sink := newRecordingSink()
	s := New(failingClient{}, sink, Options{})

	s.process(context.Background(), Job{Path: "a.py", Diff: "+x"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.got)
}

func TestSinkFunc(t *testing.T) {
	var got string
	var sink Sink = SinkFunc(func(ctx context.Context, job Job, content string) { got = job.Path + "=" + content })
	sink.ApplySummary(context.Background(), Job{Path: "p"}, "c")
	assert.Equal(t, "p=c", got)
}
