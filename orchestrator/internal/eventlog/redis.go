// Package eventlog keeps a bounded per-run replay window in Redis Streams.
// SQLite stays the source of truth; the stream only serves fast replay.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kvnkishore11/agentickanban/protocol"
)

const keyPrefix = "agentickanban:events:"

// Log appends run events to one stream per run.
type Log struct {
	client *redis.Client
	maxLen int64
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	MaxLen   int64
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Log, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("INFO: event log connected to redis %s", opts.Addr)
	return NewFromClient(client, opts.MaxLen), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, maxLen int64) *Log {
	if maxLen <= 0 {
		maxLen = 5000
	}
	return &Log{client: client, maxLen: maxLen}
}

// Append adds an event to its run stream. The stream entry id is derived from
// the event seq, so Redis rejects an out-of-order append.
func (l *Log) Append(ctx context.Context, evt *protocol.Event) error {
	args := &redis.XAddArgs{
		Stream: streamKey(evt.RunID),
		ID:     entryID(evt.Seq),
		MaxLen: l.maxLen,
		Approx: true,
		Values: toValues(evt),
	}
	if err := l.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append event %s: %w", evt.Fingerprint(), err)
	}
	return nil
}

// Range returns events of a run with seq greater than afterSeq. A result that
// does not start at afterSeq+1 means the window was trimmed past the caller.
func (l *Log) Range(ctx context.Context, runID string, afterSeq int64, limit int) ([]*protocol.Event, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	start := entryID(afterSeq + 1)
	if limit > 0 {
		msgs, err = l.client.XRangeN(ctx, streamKey(runID), start, "+", int64(limit)).Result()
	} else {
		msgs, err = l.client.XRange(ctx, streamKey(runID), start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]*protocol.Event, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := fromMessage(runID, msg)
		if err != nil {
			log.Printf("WARN: skipping malformed stream entry %s for run %s: %v", msg.ID, runID, err)
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Delete drops the stream of a run.
func (l *Log) Delete(ctx context.Context, runIDs ...string) error {
	if len(runIDs) == 0 {
		return nil
	}
	keys := make([]string, len(runIDs))
	for i, id := range runIDs {
		keys[i] = streamKey(id)
	}
	return l.client.Del(ctx, keys...).Err()
}

// Close closes the Redis client.
func (l *Log) Close() error {
	return l.client.Close()
}

func streamKey(runID string) string {
	return keyPrefix + runID
}

func entryID(seq int64) string {
	return strconv.FormatInt(seq, 10) + "-1"
}

func toValues(evt *protocol.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      string(evt.Type),
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"task_id":   evt.TaskID,
		"seq":       evt.Seq,
		"payload":   string(evt.Payload),
	}
}

func fromMessage(runID string, msg redis.XMessage) (*protocol.Event, error) {
	str := func(key string) string {
		s, _ := msg.Values[key].(string)
		return s
	}

	evtType := str("type")
	if evtType == "" {
		return nil, fmt.Errorf("missing type")
	}
	seq, err := strconv.ParseInt(str("seq"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid seq: %w", err)
	}

	evt := &protocol.Event{
		Type:   protocol.EventType(evtType),
		RunID:  runID,
		TaskID: str("task_id"),
		Seq:    seq,
	}
	if ts := str("timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			evt.Timestamp = t
		}
	}
	if p := str("payload"); p != "" {
		evt.Payload = json.RawMessage(p)
	}
	return evt, nil
}
