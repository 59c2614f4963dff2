// Package summary produces file change summaries off the critical path.
package summary

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/adapter/llm"
)

// Job asks for a summary of one modified file.
type Job struct {
	RunID  string
	TaskID string
	Path   string
	Diff   string
}

// Scope is the summary_update scope of the job's file.
func (j Job) Scope() string {
	return "file:" + j.Path
}

// Sink receives finished summaries.
type Sink interface {
	ApplySummary(ctx context.Context, job Job, content string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, job Job, content string)

// ApplySummary calls f.
func (f SinkFunc) ApplySummary(ctx context.Context, job Job, content string) {
	f(ctx, job, content)
}

// Options tunes the summarizer.
type Options struct {
	Model     string
	Rate      float64 // requests per second, <= 0 disables limiting
	QueueSize int
	MaxInput  int
	Timeout   time.Duration
}

// Summarizer is a single queue consumer calling the LLM at a bounded rate.
type Summarizer struct {
	client  llm.LLMClient
	sink    Sink
	opts    Options
	limiter *rate.Limiter
	queue   chan Job

	mu      sync.Mutex
	dropped int
}

// New creates a summarizer. Call Run to start consuming.
func New(client llm.LLMClient, sink Sink, opts Options) *Summarizer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxInput <= 0 {
		opts.MaxInput = 8192
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}

	return &Summarizer{
		client:  client,
		sink:    sink,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		queue:   make(chan Job, opts.QueueSize),
	}
}

// Enqueue schedules a job without blocking. It reports false when the queue
// is full and the job was dropped.
func (s *Summarizer) Enqueue(job Job) bool {
	select {
	case s.queue <- job:
		return true
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		log.Printf("WARN: summary queue full, dropping %s for run %s", job.Path, job.RunID)
		return false
	}
}

// Dropped returns how many jobs were rejected by a full queue.
func (s *Summarizer) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run consumes jobs until ctx is cancelled.
func (s *Summarizer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.process(ctx, job)
		}
	}
}

func (s *Summarizer) process(ctx context.Context, job Job) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	content, err := s.summarize(callCtx, job)
	if err != nil {
		log.Printf("WARN: failed to summarize %s for run %s: %v", job.Path, job.RunID, err)
		return
	}
	if content == "" {
		return
	}
	s.sink.ApplySummary(ctx, job, content)
}

func (s *Summarizer) summarize(ctx context.Context, job Job) (string, error) {
	diff := job.Diff
	if len(diff) > s.opts.MaxInput {
		diff = diff[:s.opts.MaxInput]
	}

	maxTokens := 120
	resp, err := s.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: s.opts.Model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: "Summarize the following code change in one or two short sentences."},
			{Role: "user", Content: fmt.Sprintf("File: %s\n\n%s", job.Path, diff)},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content()), nil
}
