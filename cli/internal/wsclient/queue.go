package wsclient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kvnkishore11/agentickanban/protocol"
)

var (
	// ErrDeliveryExhausted is returned when a request outlived its max age or
	// send attempts without being acknowledged.
	ErrDeliveryExhausted = errors.New("delivery exhausted")
	// ErrCancelled is returned for requests cancelled before they were sent.
	ErrCancelled = errors.New("request cancelled")
)

// Pending is the handle of a request sent or queued for the server.
type Pending struct {
	requestID string
	client    *Client

	once sync.Once
	done chan struct{}
	ack  *protocol.AckMessage
	err  error
}

func newPending(c *Client, requestID string) *Pending {
	return &Pending{requestID: requestID, client: c, done: make(chan struct{})}
}

// RequestID returns the request id carried by the frame.
func (p *Pending) RequestID() string { return p.requestID }

// Done is closed once the request resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the server acknowledged the request, delivery failed or
// ctx ended.
func (p *Pending) Wait(ctx context.Context) (*protocol.AckMessage, error) {
	select {
	case <-p.done:
		return p.ack, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the request from the outbound queue. It reports false when
// the request was already sent or resolved.
func (p *Pending) Cancel() bool {
	return p.client.cancel(p.requestID)
}

func (p *Pending) resolve(ack *protocol.AckMessage, err error) {
	p.once.Do(func() {
		p.ack = ack
		p.err = err
		close(p.done)
	})
}

// entry is an outbound request awaiting delivery.
type entry struct {
	seq        uint64
	requestID  string
	frame      []byte
	enqueuedAt time.Time
	attempts   int
	pending    *Pending
}

// outbox orders entries by enqueue sequence. sent holds entries written to
// the current connection and not yet acknowledged.
type outbox struct {
	queued []*entry
	sent   map[string]*entry
}

func newOutbox() *outbox {
	return &outbox{sent: make(map[string]*entry)}
}

func (o *outbox) push(e *entry) {
	o.queued = append(o.queued, e)
}

func (o *outbox) len() int {
	return len(o.queued) + len(o.sent)
}

// remove drops a queued entry that was not sent yet.
func (o *outbox) remove(requestID string) *entry {
	for i, e := range o.queued {
		if e.requestID == requestID {
			o.queued = append(o.queued[:i], o.queued[i+1:]...)
			return e
		}
	}
	return nil
}

// ack resolves a sent entry.
func (o *outbox) ack(requestID string) *entry {
	e, ok := o.sent[requestID]
	if ok {
		delete(o.sent, requestID)
	}
	return e
}

// requeue moves unacknowledged entries back to the head of the queue in
// their original order.
func (o *outbox) requeue() {
	if len(o.sent) == 0 {
		return
	}
	head := make([]*entry, 0, len(o.sent)+len(o.queued))
	for _, e := range o.sent {
		head = append(head, e)
	}
	sort.Slice(head, func(i, j int) bool { return head[i].seq < head[j].seq })
	o.queued = append(head, o.queued...)
	o.sent = make(map[string]*entry)
}

// expire removes entries older than maxAge.
func (o *outbox) expire(now time.Time, maxAge time.Duration) []*entry {
	if maxAge <= 0 {
		return nil
	}
	var expired []*entry
	kept := o.queued[:0]
	for _, e := range o.queued {
		if now.Sub(e.enqueuedAt) > maxAge {
			expired = append(expired, e)
			continue
		}
		kept = append(kept, e)
	}
	o.queued = kept
	for id, e := range o.sent {
		if now.Sub(e.enqueuedAt) > maxAge {
			expired = append(expired, e)
			delete(o.sent, id)
		}
	}
	return expired
}

// drain empties the outbox.
func (o *outbox) drain() []*entry {
	all := append([]*entry(nil), o.queued...)
	for _, e := range o.sent {
		all = append(all, e)
	}
	o.queued = nil
	o.sent = make(map[string]*entry)
	return all
}
