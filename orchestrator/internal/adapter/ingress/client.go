// Package ingress pushes recorded events to the ingress service over JSON-RPC.
package ingress

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/kvnkishore11/agentickanban/protocol"
)

// Client calls Ingress.PushEvent.
type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient accepts either host:port or a URL whose host is the RPC address.
func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 5 * time.Second,
	}
}

// SendRequest represents the request body for event delivery.
type SendRequest struct {
	Event *protocol.Event `json:"event"`
}

// SendResponse represents the response for event delivery.
type SendResponse struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// PushEvent hands one event to ingress for fan-out and returns how many
// connections it reached. A client without an address is a no-op.
func (c *Client) PushEvent(ctx context.Context, event *protocol.Event) (int, error) {
	if c.addr == "" {
		return 0, nil
	}

	var resp SendResponse
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.call(ctx, "Ingress.PushEvent", &SendRequest{Event: event}, &resp); err != nil {
		return 0, fmt.Errorf("failed to push event to ingress: %w", err)
	}
	if !resp.OK {
		log.Printf("WARN: ingress rpc returned ok=false (delivered=%d)", resp.Delivered)
		return 0, fmt.Errorf("ingress rpc returned ok=false")
	}

	return resp.Delivered, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
