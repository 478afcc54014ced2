// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jeranaias/lexrun-client/internal/logging"
	"github.com/jeranaias/lexrun-client/internal/protocol"
)

// Configuration constants for the conversation endpoint.
const (
	// DefaultEndpoint is the default conversation endpoint path.
	DefaultEndpoint = "/backend-api/v2/conversation"

	// DefaultRetryAttempts is the total number of attempts per send.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the linear backoff unit between attempts.
	DefaultRetryDelay = time.Second

	// maxErrorBody limits how much of an error response is read.
	maxErrorBody = 1 * 1024 * 1024
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// No client timeout for streaming; lifetime is controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// chatRequest is the JSON body of a conversation request.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client owns the lifecycle of outbound generation requests: issuance,
// single-flight enforcement, cancellation, and bounded retry with linear
// backoff. It yields the chunk sequence produced by the protocol decoder.
type Client struct {
	endpoint      string
	model         string
	retryAttempts int
	retryDelay    time.Duration
	httpClient    *http.Client
	log           logging.Logger

	// mu guards the current handle. Only the client mutates it;
	// collaborators go through AbortCurrentRequest.
	mu      sync.Mutex
	current *RequestHandle
}

// NewClient creates a client for the given conversation endpoint URL.
func NewClient(endpoint string, log logging.Logger) *Client {
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		endpoint:      endpoint,
		model:         "lexrun-default",
		retryAttempts: DefaultRetryAttempts,
		retryDelay:    DefaultRetryDelay,
		httpClient:    sharedStreamingClient,
		log:           log,
	}
}

// WithModel sets the model requested for generations.
func (c *Client) WithModel(model string) *Client {
	c.model = model
	return c
}

// WithRetryAttempts sets the total number of attempts per send.
func (c *Client) WithRetryAttempts(n int) *Client {
	if n > 0 {
		c.retryAttempts = n
	}
	return c
}

// WithRetryDelay sets the linear backoff unit.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	if d >= 0 {
		c.retryDelay = d
	}
	return c
}

// WithHTTPClient overrides the HTTP client (tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// =============================================================================
// SINGLE-FLIGHT SEND
// =============================================================================

// SendMessage starts a generation request and returns its chunk stream.
//
// The first action is always to cancel any prior handle: at most one
// network generation is in flight process-wide. The returned stream's
// channel closes when the sequence ends; Stream.Err reports the terminal
// error, if any.
func (c *Client) SendMessage(ctx context.Context, text, conversationID string) *Stream {
	c.mu.Lock()
	if c.current != nil {
		c.current.Cancel()
	}
	handle := newHandle(ctx)
	c.current = handle
	c.mu.Unlock()

	stream := newStream(handle)
	go c.run(handle, stream, text, conversationID)
	return stream
}

// IsRequestInProgress reports whether a handle is currently pending,
// retrying, or active. A narrow false window exists between cancelling a
// superseded handle and installing its replacement; no chunk consumption
// happens in that window.
func (c *Client) IsRequestInProgress() bool {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	return current != nil && current.InProgress()
}

// AbortCurrentRequest cancels the in-flight request, if any, without
// raising a new send. Used when the user clicks stop.
func (c *Client) AbortCurrentRequest() {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}

// release clears the current handle if it is still h.
func (c *Client) release(h *RequestHandle) {
	c.mu.Lock()
	if c.current == h {
		c.current = nil
	}
	c.mu.Unlock()
}

// =============================================================================
// REQUEST LOOP
// =============================================================================

// run drives the attempt loop for one send. Retries cover request issuance
// and non-2xx responses; once streaming begins, read errors surface
// directly. Cancellation is never retried.
func (c *Client) run(h *RequestHandle, s *Stream, text, conversationID string) {
	defer func() {
		h.settle()
		c.release(h)
	}()

	var lastErr error

	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		h.nextAttempt()

		if attempt > 1 {
			h.setPhase(PhaseRetrying)
			// Linear backoff, not exponential.
			delay := c.retryDelay * time.Duration(attempt-1)
			select {
			case <-h.ctx.Done():
				s.close(ErrCancelled)
				return
			case <-time.After(delay):
			}
		}

		resp, err := c.doRequest(h.ctx, text, conversationID)
		if err != nil {
			if isCancellation(err) {
				s.close(ErrCancelled)
				return
			}
			if !isRetryable(err) {
				s.close(err)
				return
			}
			c.log.Warnf("api: attempt %d/%d failed: %v", attempt, c.retryAttempts, err)
			lastErr = err
			continue
		}

		h.setPhase(PhaseActive)
		err = c.consume(h, s, resp.Body)
		if err == nil {
			s.close(nil)
			return
		}
		if isCancellation(err) {
			s.close(ErrCancelled)
			return
		}
		s.close(err)
		return
	}

	s.close(fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
}

// doRequest issues one HTTP attempt and returns the streaming response.
func (c *Client) doRequest(ctx context.Context, text, conversationID string) (*http.Response, error) {
	bodyBytes, err := json.Marshal(chatRequest{
		Message:        text,
		ConversationID: conversationID,
		Model:          c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, parseAPIError(resp.StatusCode, body)
	}

	return resp, nil
}

// consume decodes the response body and delivers chunks in arrival order.
func (c *Client) consume(h *RequestHandle, s *Stream, body io.ReadCloser) error {
	dec := protocol.NewDecoder(body, c.log)
	defer dec.Close()

	for {
		chunk, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if h.ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		select {
		case s.chunks <- chunk:
		case <-h.ctx.Done():
			return ErrCancelled
		}
	}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is the lazily-consumed chunk sequence of one send.
type Stream struct {
	handle *RequestHandle
	chunks chan protocol.Chunk

	mu  sync.Mutex
	err error
}

func newStream(h *RequestHandle) *Stream {
	return &Stream{
		handle: h,
		chunks: make(chan protocol.Chunk, 64),
	}
}

// Chunks returns the chunk channel. It closes when the sequence ends.
func (s *Stream) Chunks() <-chan protocol.Chunk {
	return s.chunks
}

// Err returns the terminal error after the channel has closed: nil on
// normal completion, ErrCancelled on abort, ErrRetriesExhausted (wrapping
// the last cause) when the attempt budget ran out.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Attempts returns how many attempts the send performed.
func (s *Stream) Attempts() int {
	return s.handle.Attempt()
}

func (s *Stream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.chunks)
}
