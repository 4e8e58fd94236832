// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// maxErrorBodySize caps how much of a non-2xx response body is read
	// when extracting the server-provided error detail.
	maxErrorBodySize = 32 * 1024
)

// sharedStreamingClient is used for all streaming requests. No client
// timeout: stream lifetime is controlled via context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// ERRORS
// =============================================================================

// TransportError indicates the stream failed to open or dropped before the
// server finished sending.
type TransportError struct {
	Status int    // HTTP status for open failures, 0 for mid-stream drops
	Detail string // server-provided detail, if any
	Err    error  // underlying error, if any
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.Status != 0:
		return fmt.Sprintf("stream request failed: HTTP %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("stream connection lost: %v", e.Err)
	}
	return "stream connection lost"
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// errorDetailBody matches the JSON error shape the RAG backend returns on
// non-2xx responses.
type errorDetailBody struct {
	Detail string `json:"detail"`
}

// =============================================================================
// HANDLER
// =============================================================================

// Handler receives stream callbacks. Callbacks are invoked sequentially
// from a single goroutine, in wire order. Exactly one of OnError or
// OnClose fires per stream, never both, and never after Close.
type Handler struct {
	// OnEvent is called for each parsed frame.
	OnEvent func(name string, data []byte)

	// OnError is called once if the connection drops mid-stream.
	OnError func(err error)

	// OnClose is called once when the server ends the stream naturally.
	OnClose func()
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport opens streaming connections to the RAG backend.
type Transport struct {
	client *http.Client
}

// NewTransport creates a transport backed by the shared pooled client.
func NewTransport() *Transport {
	return &Transport{client: sharedStreamingClient}
}

// NewTransportWithClient creates a transport with a custom HTTP client,
// used by tests.
func NewTransportWithClient(client *http.Client) *Transport {
	return &Transport{client: client}
}

// Open issues a single streaming GET and begins delivering frames to h.
// The returned error covers request creation and non-2xx responses; once
// Open returns nil, all further outcomes are reported through h.
func (t *Transport) Open(ctx context.Context, url string, header http.Header, h Handler) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		cancel()
		return nil, openError(resp.StatusCode, body)
	}

	s := &Stream{
		body:   resp.Body,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.dispatch(h)
	return s, nil
}

// openError builds the error for a non-2xx initial response, preferring
// the server-provided detail message.
func openError(status int, body []byte) error {
	var detail errorDetailBody
	if err := json.Unmarshal(body, &detail); err == nil && detail.Detail != "" {
		return &TransportError{Status: status, Detail: detail.Detail}
	}
	return &TransportError{Status: status}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is one open SSE connection.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}
}

// dispatch reads frames and invokes handler callbacks. The closed flag is
// checked before every callback body so nothing fires after Close.
func (s *Stream) dispatch(h Handler) {
	defer close(s.done)
	defer s.body.Close()

	parser := NewParser(s.body)
	for {
		evt, err := parser.Next()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if err == io.EOF {
				if h.OnClose != nil {
					h.OnClose()
				}
				return
			}
			if h.OnError != nil {
				h.OnError(&TransportError{Err: err})
			}
			return
		}

		if s.closed.Load() {
			return
		}
		if h.OnEvent != nil {
			h.OnEvent(evt.Name, evt.Data)
		}
	}
}

// Close tears down the connection. Idempotent; safe to call from inside a
// callback or after natural completion. No callbacks fire after Close.
func (s *Stream) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.body.Close()
}

// Done is closed when the dispatch goroutine has exited. Used by tests
// and by defensive cleanup paths.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// IsCanceled reports whether an error is a locally triggered cancellation,
// which callers treat as a user stop rather than a transport failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
