package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvnkishore11/agentickanban/protocol"
)

func TestMessageRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	evt := &protocol.Event{
		Type:      protocol.EventFileActivity,
		Timestamp: ts,
		RunID:     "run-1",
		TaskID:    "task-1",
		Seq:       7,
		Payload:   json.RawMessage(`{"path":"a.py","operation":"read"}`),
	}

	values := toValues(evt)
	// Redis hands every field back as a string.
	strValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		strValues[k] = fmt.Sprint(v)
	}

	got, err := fromMessage("run-1", redis.XMessage{ID: entryID(7), Values: strValues})
	require.NoError(t, err)
	assert.Equal(t, evt.Type, got.Type)
	assert.Equal(t, evt.Seq, got.Seq)
	assert.Equal(t, evt.TaskID, got.TaskID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.JSONEq(t, string(evt.Payload), string(got.Payload))
}

func TestFromMessageRejectsMissingFields(t *testing.T) {
	_, err := fromMessage("r", redis.XMessage{Values: map[string]interface{}{"seq": "1"}})
	assert.Error(t, err)

	_, err = fromMessage("r", redis.XMessage{Values: map[string]interface{}{"type": "log_line", "seq": "x"}})
	assert.Error(t, err)
}

func TestEntryIDOrdersBySeq(t *testing.T) {
	assert.Equal(t, "1-1", entryID(1))
	assert.Equal(t, "42-1", entryID(42))
	assert.Equal(t, "agentickanban:events:abc", streamKey("abc"))
}

func TestLogAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Redis not available")
	}
	ctx := context.Background()
	l, err := New(ctx, Options{Addr: addr, MaxLen: 100})
	if err != nil {
		t.Skip("Redis not available")
	}
	defer l.Close()

	runID := "test-" + uuid.New().String()
	defer l.Delete(ctx, runID)

	for seq := int64(1); seq <= 5; seq++ {
		evt := &protocol.Event{Type: protocol.EventLogLine, Timestamp: time.Now().UTC(), RunID: runID, Seq: seq}
		require.NoError(t, l.Append(ctx, evt))
	}
	// Out-of-order appends are refused by the stream.
	assert.Error(t, l.Append(ctx, &protocol.Event{Type: protocol.EventLogLine, RunID: runID, Seq: 3}))

	events, err := l.Range(ctx, runID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)

	limited, err := l.Range(ctx, runID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, l.Delete(ctx, runID))
	empty, err := l.Range(ctx, runID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
