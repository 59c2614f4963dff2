// Package wsclient maintains one logical connection to the ingress websocket
// across drops, with backoff, a heartbeat watchdog and an outbound queue for
// requests made while disconnected.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kvnkishore11/agentickanban/protocol"
)

// State of the logical connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

var (
	// ErrFailed is returned by Run once reconnect attempts are exhausted.
	ErrFailed = errors.New("connection failed permanently")
	// ErrUnauthorized is returned by Run when the server rejects the API key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrClosed resolves requests still queued when Run returns.
	ErrClosed = errors.New("client closed")

	errHeartbeatMissed = errors.New("heartbeat missed")
)

// Options configures a Client.
type Options struct {
	URL      string
	APIKey   string
	ClientID string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// StableAfter is how long a connection must stay up before a drop
	// restarts the backoff. Shorter connections count as failed attempts.
	StableAfter time.Duration

	// HeartbeatInterval is used until the server announces its own.
	HeartbeatInterval time.Duration
	MissedHeartbeats  int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	MaxQueueAge     time.Duration
	MaxSendAttempts int

	// Resume reports the highest applied seq per run for hello.resume.
	Resume func() map[string]int64
	// OnEvent receives every run event and heartbeat.
	OnEvent func(evt *protocol.Event)
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 60
	}
	if o.StableAfter <= 0 {
		o.StableAfter = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = 3
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxQueueAge <= 0 {
		o.MaxQueueAge = 2 * time.Minute
	}
	if o.MaxSendAttempts <= 0 {
		o.MaxSendAttempts = 5
	}
}

// Client is a reconnecting websocket client of ingress.
type Client struct {
	opts    Options
	backoff Backoff
	dialer  *websocket.Dialer
	now     func() time.Time

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	out          *outbox
	nextSeq      uint64
	paused       bool
	lastInbound  time.Time

	wake chan struct{}
}

// New creates a disconnected client. Call Run to connect.
func New(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:    opts,
		backoff: Backoff{Base: opts.BaseDelay, Max: opts.MaxDelay},
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		now:     time.Now,
		state:   StateDisconnected,
		out:     newOutbox(),
		wake:    make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns how many requests await delivery or acknowledgement.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.len()
}

// ConnectionID returns the id ingress assigned to the current connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(prev, s)
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or
// reconnect attempts are exhausted. Failed dials and connections dropped
// before StableAfter both count as attempts.
func (c *Client) Run(ctx context.Context) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go c.runJanitor(janitorCtx)

	attempt := 0
	for {
		if err := c.waitActive(ctx); err != nil {
			return c.stop(err)
		}

		c.setState(StateConnecting)
		conn, heartbeat, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.stop(ctx.Err())
			}
			if errors.Is(err, ErrUnauthorized) {
				return c.fail(err)
			}
			attempt++
			if attempt > c.opts.MaxAttempts {
				return c.fail(fmt.Errorf("%w after %d attempts: %v", ErrFailed, attempt-1, err))
			}
			log.Printf("WARN: connect attempt %d failed: %v", attempt, err)
			c.setState(StateReconnecting)
			if err := c.sleep(ctx, c.backoff.Next(attempt-1)); err != nil {
				return c.stop(err)
			}
			continue
		}

		connectedAt := c.now()
		err = c.serve(ctx, conn, heartbeat)
		if ctx.Err() != nil {
			return c.stop(ctx.Err())
		}
		if c.now().Sub(connectedAt) >= c.opts.StableAfter {
			attempt = 0
		}
		attempt++
		if attempt > c.opts.MaxAttempts {
			return c.fail(fmt.Errorf("%w after %d attempts: %v", ErrFailed, attempt-1, err))
		}
		log.Printf("WARN: connection lost: %v", err)
		c.setState(StateReconnecting)
		if err := c.sleep(ctx, c.backoff.Next(attempt-1)); err != nil {
			return c.stop(err)
		}
	}
}

func (c *Client) stop(err error) error {
	for _, e := range c.drainOutbox() {
		e.pending.resolve(nil, ErrClosed)
	}
	c.setState(StateDisconnected)
	return err
}

func (c *Client) fail(err error) error {
	for _, e := range c.drainOutbox() {
		e.pending.resolve(nil, fmt.Errorf("%w: %v", ErrDeliveryExhausted, err))
	}
	c.setState(StateFailed)
	return err
}

func (c *Client) drainOutbox() []*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.drain()
}

// waitActive blocks while the client is paused.
func (c *Client) waitActive(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if !paused {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
	}
}

// sleep waits for d. Resume cuts the wait short.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-c.wake:
		return nil
	}
}

// connect dials ingress and completes the hello handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.opts.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dial: %w", err)
	}

	hello := protocol.HelloMessage{
		BaseMessage: protocol.BaseMessage{
			Type:      protocol.TypeHello,
			Ts:        c.now().UnixMilli(),
			RequestID: uuid.New().String(),
		},
		ClientID: c.opts.ClientID,
		APIKey:   c.opts.APIKey,
	}
	if c.opts.Resume != nil {
		hello.Resume = c.opts.Resume()
	}

	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("write hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, 0, fmt.Errorf("read hello_ack: %w", err)
		}

		msgType, err := protocol.PeekType(data)
		if err != nil {
			log.Printf("WARN: dropping malformed frame during handshake: %v", err)
			continue
		}

		switch msgType {
		case protocol.TypeHelloAck:
			var ack protocol.HelloAckMessage
			if err := json.Unmarshal(data, &ack); err != nil {
				conn.Close()
				return nil, 0, fmt.Errorf("unmarshal hello_ack: %w", err)
			}
			conn.SetReadDeadline(time.Time{})

			heartbeat := c.opts.HeartbeatInterval
			if ack.HeartbeatIntervalMs > 0 {
				heartbeat = time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
			}
			c.mu.Lock()
			c.connectionID = ack.ConnectionID
			c.mu.Unlock()
			return conn, heartbeat, nil

		case protocol.TypeError:
			var errMsg protocol.ErrorMessage
			_ = json.Unmarshal(data, &errMsg)
			conn.Close()
			if errMsg.Code == protocol.ErrorCodeUnauthorized {
				return nil, 0, fmt.Errorf("%w: %s", ErrUnauthorized, errMsg.Message)
			}
			return nil, 0, fmt.Errorf("hello failed: %s - %s", errMsg.Code, errMsg.Message)

		default:
			c.dispatch(data)
		}
	}
}

// serve runs one established connection until it drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, heartbeat time.Duration) error {
	touch := func() {
		c.mu.Lock()
		c.lastInbound = c.now()
		c.mu.Unlock()
	}
	conn.SetPongHandler(func(string) error {
		touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.lastInbound = c.now()
	c.mu.Unlock()
	c.setState(StateConnected)

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			touch()
			c.dispatch(data)
		}
	}()

	c.mu.Lock()
	err := c.flushLocked()
	c.mu.Unlock()
	if err != nil {
		c.drop(conn)
		<-readErr
		return err
	}

	check := heartbeat / 2
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drop(conn)
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			c.drop(conn)
			return err
		case <-ticker.C:
			if c.heartbeatMissed(heartbeat) {
				c.drop(conn)
				<-readErr
				return errHeartbeatMissed
			}
		}
	}
}

func (c *Client) heartbeatMissed(interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return false
	}
	return c.now().Sub(c.lastInbound) > time.Duration(c.opts.MissedHeartbeats)*interval
}

// drop closes conn and puts unacknowledged requests back in the queue.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.out.requeue()
	c.mu.Unlock()
	conn.Close()
}

// flushLocked writes queued requests oldest first. The caller holds c.mu.
func (c *Client) flushLocked() error {
	if c.conn == nil {
		return nil
	}
	for len(c.out.queued) > 0 {
		e := c.out.queued[0]
		if e.attempts >= c.opts.MaxSendAttempts {
			c.out.queued = c.out.queued[1:]
			e.pending.resolve(nil, fmt.Errorf("%w: %d send attempts", ErrDeliveryExhausted, e.attempts))
			continue
		}

		e.attempts++
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, e.frame); err != nil {
			return fmt.Errorf("write request: %w", err)
		}
		c.out.queued = c.out.queued[1:]
		c.out.sent[e.requestID] = e
	}
	return nil
}

// dispatch routes an inbound frame.
func (c *Client) dispatch(data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		log.Printf("WARN: dropping malformed frame: %v", err)
		return
	}

	switch msgType {
	case protocol.TypeAck:
		var ack protocol.AckMessage
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Printf("WARN: dropping malformed ack: %v", err)
			return
		}
		c.mu.Lock()
		e := c.out.ack(ack.RequestID)
		if e == nil {
			e = c.out.remove(ack.RequestID)
		}
		c.mu.Unlock()
		if e != nil {
			e.pending.resolve(&ack, nil)
		}

	case protocol.TypeError:
		var errMsg protocol.ErrorMessage
		_ = json.Unmarshal(data, &errMsg)
		log.Printf("WARN: server error %s: %s", errMsg.Code, errMsg.Message)

	case protocol.TypeHelloAck:

	default:
		evt, _, err := protocol.DecodeEvent(data)
		if err != nil {
			log.Printf("WARN: dropping malformed event: %v", err)
			return
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(evt)
		}
	}
}

// runJanitor fails requests that outlived MaxQueueAge.
func (c *Client) runJanitor(ctx context.Context) {
	interval := c.opts.MaxQueueAge / 4
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			expired := c.out.expire(c.now(), c.opts.MaxQueueAge)
			c.mu.Unlock()
			for _, e := range expired {
				e.pending.resolve(nil, fmt.Errorf("%w: older than %s", ErrDeliveryExhausted, c.opts.MaxQueueAge))
			}
		}
	}
}

// Pause suspends the heartbeat watchdog and reconnect attempts.
func (c *Client) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts Pause and forces an immediate health check: a ping on a live
// connection, a reconnect attempt otherwise.
func (c *Client) Resume() {
	c.mu.Lock()
	c.paused = false
	c.lastInbound = c.now()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
			conn.Close()
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// request queues a frame and writes it at once when connected.
func (c *Client) request(build func(base protocol.BaseMessage) interface{}, msgType string) *Pending {
	requestID := uuid.New().String()
	p := newPending(c, requestID)

	frame, err := json.Marshal(build(protocol.BaseMessage{
		Type:      msgType,
		Ts:        c.now().UnixMilli(),
		RequestID: requestID,
	}))
	if err != nil {
		p.resolve(nil, fmt.Errorf("marshal %s: %w", msgType, err))
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	c.out.push(&entry{
		seq:        c.nextSeq,
		requestID:  requestID,
		frame:      frame,
		enqueuedAt: c.now(),
		pending:    p,
	})
	if c.state == StateConnected {
		if err := c.flushLocked(); err != nil {
			log.Printf("WARN: send failed, request stays queued: %v", err)
		}
	}
	return p
}

func (c *Client) cancel(requestID string) bool {
	c.mu.Lock()
	e := c.out.remove(requestID)
	c.mu.Unlock()
	if e == nil {
		return false
	}
	e.pending.resolve(nil, ErrCancelled)
	return true
}

// TriggerRun asks ingress to start a run. A missing idempotency key is
// generated so a resend after a lost ack cannot start a second run.
func (c *Client) TriggerRun(req protocol.TriggerRequest) *Pending {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}
	return c.request(func(base protocol.BaseMessage) interface{} {
		return protocol.TriggerRunMessage{BaseMessage: base, TriggerRequest: req}
	}, protocol.TypeTriggerRun)
}

// Resync asks for a full snapshot of a run. The snapshot arrives in the ack.
func (c *Client) Resync(runID string) *Pending {
	return c.request(func(base protocol.BaseMessage) interface{} {
		return protocol.ResyncMessage{BaseMessage: base, RunID: runID}
	}, protocol.TypeResync)
}

// CancelRun asks the orchestrator to mark a run errored.
func (c *Client) CancelRun(runID, reason string) *Pending {
	return c.request(func(base protocol.BaseMessage) interface{} {
		return protocol.CancelRunMessage{BaseMessage: base, RunID: runID, Reason: reason}
	}, protocol.TypeCancelRun)
}
