// Package orchestrator provides an HTTP client for the orchestrator internal API.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kvnkishore11/agentickanban/protocol"
)

// ErrRunNotFound is returned when the orchestrator does not know a run.
var ErrRunNotFound = errors.New("run not found")

// Client is an HTTP client for the orchestrator internal API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new orchestrator client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrorResponse represents an error response from the orchestrator.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventsResponse is the body of GET /internal/runs/:run_id/events.
type EventsResponse struct {
	RunID   string            `json:"run_id"`
	Events  []*protocol.Event `json:"events"`
	LastSeq int64             `json:"last_seq"`
}

// ReportErrorRequest is the body of POST /internal/runs/:run_id/error.
type ReportErrorRequest struct {
	Message string `json:"message"`
}

// ReportErrorResponse answers an errored report.
type ReportErrorResponse struct {
	RunID   string `json:"run_id"`
	Errored bool   `json:"errored"`
}

// Trigger calls POST /internal/runs. A rejected trigger is returned as a
// response with Accepted false, not as an error.
func (c *Client) Trigger(ctx context.Context, req *protocol.TriggerRequest) (*protocol.TriggerResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/internal/runs", body)
	if err != nil {
		return nil, fmt.Errorf("failed to trigger run: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var triggerResp protocol.TriggerResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict, http.StatusBadRequest:
		if err := json.Unmarshal(respBody, &triggerResp); err != nil {
			return nil, fmt.Errorf("failed to decode trigger response: %w", err)
		}
		if !triggerResp.Accepted && triggerResp.Error == "" && triggerResp.Code == "" {
			return nil, decodeError(resp.StatusCode, respBody)
		}
		return &triggerResp, nil
	default:
		return nil, decodeError(resp.StatusCode, respBody)
	}
}

// Snapshot calls GET /internal/runs/:run_id.
func (c *Client) Snapshot(ctx context.Context, runID string) (*protocol.RunSnapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/internal/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var snap protocol.RunSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Events calls GET /internal/runs/:run_id/events and returns events with a
// sequence greater than afterSeq.
func (c *Client) Events(ctx context.Context, runID string, afterSeq int64, limit int) (*EventsResponse, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/internal/runs/" + url.PathEscape(runID) + "/events?" + q.Encode()

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var eventsResp EventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&eventsResp); err != nil {
		return nil, fmt.Errorf("failed to decode events response: %w", err)
	}
	return &eventsResp, nil
}

// ReportError calls POST /internal/runs/:run_id/error.
func (c *Client) ReportError(ctx context.Context, runID, message string) (*ReportErrorResponse, error) {
	body, err := json.Marshal(&ReportErrorRequest{Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error report: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/internal/runs/"+url.PathEscape(runID)+"/error", body)
	if err != nil {
		return nil, fmt.Errorf("failed to report error: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var reportResp ReportErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&reportResp); err != nil {
		return nil, fmt.Errorf("failed to decode error report response: %w", err)
	}
	return &reportResp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(httpReq)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	return decodeError(resp.StatusCode, respBody)
}

func decodeError(status int, respBody []byte) error {
	if status == http.StatusNotFound {
		return ErrRunNotFound
	}
	var errResp ErrorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("orchestrator error: %s", errResp.Error)
	}
	return fmt.Errorf("orchestrator returned status %d: %s", status, string(respBody))
}
