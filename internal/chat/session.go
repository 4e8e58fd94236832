// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/clue/log"

	"github.com/hukmlabs/ragchat/internal/ledger"
	"github.com/hukmlabs/ragchat/internal/model"
	"github.com/hukmlabs/ragchat/internal/protocol"
	"github.com/hukmlabs/ragchat/internal/sse"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultPipeline is the retrieval pipeline requested when none is
	// configured.
	DefaultPipeline = "default"

	// DefaultIdleTimeout bounds the gap between stream events. A server
	// that silently drops the connection without an error frame would
	// otherwise leave the message streaming forever.
	DefaultIdleTimeout = 90 * time.Second
)

// User-visible diagnostic suffixes appended to the in-flight text.
const (
	annotConnection = "\n\nError connecting to assistant: "
	annotServer     = "\n\nError: "
	annotSaveFailed = " [Save Failed]"
	annotBadFrame   = "\n\n[A malformed response fragment was skipped]"
	annotIdle       = "\n\nError connecting to assistant: no data received"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrExchangeActive is returned by Start while another exchange is in
	// flight on the same session instance.
	ErrExchangeActive = errors.New("an exchange is already in progress")
)

// ServerError is a finalization the backend reported as failed. It is a
// normal terminal outcome, not an exception; retry remains available.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "assistant reported an error: " + e.Message
}

// SaveError indicates the finalized assistant text could not be durably
// saved. The message stays visible and is flagged for a later save retry.
type SaveError struct {
	Err error
}

// Error implements the error interface.
func (e *SaveError) Error() string {
	return fmt.Sprintf("assistant response could not be saved: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *SaveError) Unwrap() error {
	return e.Err
}

// =============================================================================
// STATE
// =============================================================================

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAwaitingFirstByte
	StateStreaming
	StateFinalizing
	StateSettled
	StateFailed
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstByte:
		return "awaiting_first_byte"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition may occur.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// =============================================================================
// OPTIONS AND REQUEST
// =============================================================================

// Options configures a Session.
type Options struct {
	// BaseURL is the RAG backend base URL, e.g. "https://api.example.com".
	BaseURL string

	// Pipeline selects the retrieval pipeline; DefaultPipeline if empty.
	Pipeline string

	// UseReranker is forwarded verbatim to the backend.
	UseReranker bool

	// IdleTimeout bounds the gap between events; DefaultIdleTimeout if 0.
	IdleTimeout time.Duration

	// OnWarning receives non-fatal file processing warnings from metadata
	// events. May be nil.
	OnWarning func(warnings []string)

	// RetryLimiter paces re-issued exchanges; nil leaves retries unpaced.
	RetryLimiter *rate.Limiter
}

// Request describes one exchange.
type Request struct {
	Query    string
	ChatID   string
	UserID   string
	LocalKey string // ledger key of the assistant placeholder to fill

	// AIMessageID, when set, asks the backend to reuse an existing
	// assistant message row (retry path).
	AIMessageID string
}

// =============================================================================
// SESSION
// =============================================================================

// Session runs at most one exchange at a time. Construct one per open
// chat screen and dispose of it on navigation away; do not share across
// conversations.
type Session struct {
	transport *sse.Transport
	ledger    *ledger.Ledger
	store     Store
	tokens    TokenSource
	opts      Options

	mu        sync.Mutex
	state     State
	req       Request
	serverID  string // first-seen ai_message_id, write-once until finalization
	stream    *sse.Stream
	idleTimer *time.Timer
	done      chan struct{}
	err       error
}

// NewSession creates an idle session bound to its collaborators.
func NewSession(transport *sse.Transport, led *ledger.Ledger, store Store, tokens TokenSource, opts Options) *Session {
	if opts.Pipeline == "" {
		opts.Pipeline = DefaultPipeline
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Session{
		transport: transport,
		ledger:    led,
		store:     store,
		tokens:    tokens,
		opts:      opts,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, nil unless the exchange failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// =============================================================================
// START
// =============================================================================

// Start begins the exchange. It returns synchronously once the streaming
// request is initiated; progress is observed through the ledger's patch
// stream, and Wait blocks until the terminal state.
//
// Errors returned directly: ErrExchangeActive when an exchange is already
// in flight, token errors before any network attempt, and transport open
// failures (which also mark the ledger entry failed). Everything after a
// successful open is reported through ledger patches only.
//
// ctx governs the whole exchange, not just initiation: cancelling it
// tears down the stream.
func (s *Session) Start(ctx context.Context, req Request) error {
	s.mu.Lock()
	if s.state == StateAwaitingFirstByte || s.state == StateStreaming || s.state == StateFinalizing {
		s.mu.Unlock()
		return ErrExchangeActive
	}
	s.state = StateAwaitingFirstByte
	s.req = req
	s.serverID = req.AIMessageID
	s.err = nil
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	// Tokens rotate; fetch per exchange. Failure means the exchange never
	// started, so roll back to idle rather than driving a terminal state.
	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		close(done)
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	streamURL := buildQueryURL(s.opts.BaseURL, s.opts.Pipeline, req, s.opts.UseReranker)

	stream, err := s.transport.Open(ctx, streamURL, header, sse.Handler{
		OnEvent: func(name string, data []byte) { s.onEvent(ctx, name, data) },
		OnError: func(err error) { s.onTransportError(ctx, err) },
		OnClose: func() { s.onNaturalClose(ctx) },
	})
	if err != nil {
		s.fail(ctx, err, annotConnection+err.Error())
		return err
	}

	s.mu.Lock()
	if s.state.Terminal() {
		// The stream finished before bookkeeping caught up; nothing to track.
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	s.stream = stream
	s.idleTimer = time.AfterFunc(s.opts.IdleTimeout, func() { s.onIdleTimeout(ctx) })
	s.mu.Unlock()

	log.Debug(ctx, log.KV{K: "msg", V: "exchange started"},
		log.KV{K: "chat_id", V: req.ChatID}, log.KV{K: "local_key", V: req.LocalKey})
	return nil
}

// buildQueryURL assembles the streaming GET URL per the backend contract.
func buildQueryURL(base, pipeline string, req Request, useReranker bool) string {
	v := url.Values{}
	v.Set("query", req.Query)
	v.Set("chat_id", req.ChatID)
	v.Set("pipeline_name", pipeline)
	if req.AIMessageID != "" {
		v.Set("ai_message_id", req.AIMessageID)
	}
	if useReranker {
		v.Set("use_reranker", "true")
	}
	return strings.TrimSuffix(base, "/") + "/rag/query?" + v.Encode()
}

// Wait blocks until the exchange reaches a terminal state or ctx ends.
// Returns the terminal error, nil when settled.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// EVENT FOLDING
// =============================================================================

// onEvent folds one decoded frame into the in-flight message. Events are
// delivered sequentially from the transport's dispatch goroutine, so wire
// order is preserved.
func (s *Session) onEvent(ctx context.Context, name string, data []byte) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateFinalizing {
		s.mu.Unlock()
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.opts.IdleTimeout)
	}
	localKey := s.req.LocalKey
	s.mu.Unlock()

	msg, err := protocol.Decode(name, data)
	if err != nil {
		// A single malformed frame is recoverable: annotate and keep
		// listening. The next cumulative update replaces the text anyway.
		log.Error(ctx, err, log.KV{K: "msg", V: "dropping malformed frame"}, log.KV{K: "event", V: name})
		s.ledger.Patch(ctx, localKey, func(m *model.Message) {
			m.Text += annotBadFrame
		})
		return
	}

	// First successfully decoded event moves the exchange to streaming.
	s.mu.Lock()
	if s.state == StateAwaitingFirstByte {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	switch ev := msg.(type) {
	case *protocol.Metadata:
		s.onMetadata(ctx, localKey, ev)

	case *protocol.StreamInitiated:
		log.Debug(ctx, log.KV{K: "msg", V: "stream initiated"}, log.KV{K: "status", V: ev.Status})

	case *protocol.MessageUpdate:
		s.onUpdate(ctx, localKey, ev)

	case *protocol.MessageFinalized:
		s.onFinalized(ctx, localKey, ev)

	case *protocol.ToolInfo:
		log.Debug(ctx, log.KV{K: "msg", V: "tool info"}, log.KV{K: "payload", V: string(ev.Raw)})

	case *protocol.Unhandled:
		log.Info(ctx, log.KV{K: "msg", V: "unhandled stream event"}, log.KV{K: "event", V: ev.Event})
	}
}

// onMetadata records the backend-allocated assistant id (first write
// wins), replaces sources wholesale, and surfaces non-fatal warnings.
func (s *Session) onMetadata(ctx context.Context, localKey string, ev *protocol.Metadata) {
	s.mu.Lock()
	if s.serverID == "" && ev.AIMessageID != "" {
		s.serverID = ev.AIMessageID
	}
	s.mu.Unlock()

	s.ledger.Patch(ctx, localKey, func(m *model.Message) {
		m.AssignServerID(ev.AIMessageID)
		m.ReplaceSources(ev.Sources)
	})

	if len(ev.FileProcessingErrors) > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "file processing warnings"},
			log.KV{K: "count", V: len(ev.FileProcessingErrors)})
		if s.opts.OnWarning != nil {
			s.opts.OnWarning(ev.FileProcessingErrors)
		}
	}
}

// onUpdate replaces the in-flight text with the cumulative snapshot. The
// backend sends the full text so far, not a delta.
func (s *Session) onUpdate(ctx context.Context, localKey string, ev *protocol.MessageUpdate) {
	s.mu.Lock()
	if ev.MessageID != "" && s.serverID != "" && ev.MessageID != s.serverID {
		log.Info(ctx, log.KV{K: "msg", V: "update message id disagrees with metadata id"},
			log.KV{K: "update_id", V: ev.MessageID}, log.KV{K: "metadata_id", V: s.serverID})
	}
	s.mu.Unlock()

	s.ledger.Patch(ctx, localKey, func(m *model.Message) {
		m.Text = ev.CumulativeText
	})
}

// onFinalized drives the terminal transition for a server-side finish.
// The transport is closed explicitly here rather than waiting for EOF.
func (s *Session) onFinalized(ctx context.Context, localKey string, ev *protocol.MessageFinalized) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateFinalizing {
		s.mu.Unlock()
		return
	}
	s.state = StateFinalizing
	// Prefer the finalization's persistent id over anything learned from
	// metadata earlier.
	persistentID := ev.PersistentAIMessageID
	if persistentID == "" {
		persistentID = s.serverID
	}
	chatID := s.req.ChatID
	s.mu.Unlock()

	if ev.IsError() {
		s.ledger.Patch(ctx, localKey, func(m *model.Message) {
			m.Text = ev.FullContent + annotServer + ev.UserMessage()
			m.ReplaceSources(ev.Metadata.Sources)
		})
		s.terminal(ctx, StateFailed, &ServerError{Message: ev.UserMessage()}, nil)
		return
	}

	s.ledger.Patch(ctx, localKey, func(m *model.Message) {
		m.Text = ev.FullContent
		m.ReplaceSources(ev.Metadata.Sources)
	})

	var meta map[string]any
	if len(ev.Metadata.Sources) > 0 {
		meta = map[string]any{"sources": ev.Metadata.Sources}
	}
	_, saveErr := s.store.SaveAssistantMessage(ctx, chatID, ev.FullContent, 0, "text", meta)
	if saveErr != nil {
		log.Error(ctx, saveErr, log.KV{K: "msg", V: "assistant message save failed"}, log.KV{K: "chat_id", V: chatID})
		s.terminal(ctx, StateFailed, &SaveError{Err: saveErr}, func(m *model.Message) {
			m.Text += annotSaveFailed
			m.SaveFailed = true
			if persistentID != "" {
				m.ServerID = persistentID
			}
		})
		return
	}

	s.terminal(ctx, StateSettled, nil, func(m *model.Message) {
		// The finalization id is authoritative over any id learned from an
		// earlier metadata event.
		if persistentID != "" {
			m.ServerID = persistentID
		}
	})
}

// =============================================================================
// FAILURE AND CANCELLATION PATHS
// =============================================================================

// onTransportError handles a mid-stream connection drop. Accumulated
// partial text is preserved with a diagnostic suffix.
func (s *Session) onTransportError(ctx context.Context, err error) {
	if sse.IsCanceled(err) {
		return
	}
	s.fail(ctx, err, annotConnection+err.Error())
}

// onNaturalClose handles the server ending the stream without a
// finalization event, which leaves the exchange unfinished.
func (s *Session) onNaturalClose(ctx context.Context) {
	s.fail(ctx, &sse.TransportError{Err: errors.New("stream ended before finalization")},
		annotConnection+"stream ended before finalization")
}

// onIdleTimeout fires when no event arrived within the configured gap.
// It takes the same path as a transport error.
func (s *Session) onIdleTimeout(ctx context.Context) {
	s.mu.Lock()
	busy := s.state == StateAwaitingFirstByte || s.state == StateStreaming
	s.mu.Unlock()
	if !busy {
		return
	}
	log.Info(ctx, log.KV{K: "msg", V: "idle timeout, closing stream"})
	s.fail(ctx, &sse.TransportError{Err: errors.New("idle timeout")}, annotIdle)
}

// fail drives the failed terminal transition, keeping accumulated text
// and retaining the retry context.
func (s *Session) fail(ctx context.Context, err error, annotation string) {
	s.terminal(ctx, StateFailed, err, func(m *model.Message) {
		m.Text += annotation
	})
}

// Cancel stops the exchange on user request. This is not an error: the
// message settles with whatever text had accumulated and no save is
// issued. Valid while awaiting the first byte or streaming; a no-op once
// finalization has begun or a terminal state was reached.
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateAwaitingFirstByte && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.terminal(ctx, StateSettled, nil, func(m *model.Message) {
		m.Retry = nil
	})
}

// CloseTransport force-closes any open stream without driving a terminal
// transition. Used defensively by the retry coordinator; normal callers
// use Cancel.
func (s *Session) CloseTransport() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// =============================================================================
// TERMINAL TRANSITION
// =============================================================================

// terminal performs the single terminal transition for this exchange.
// Idempotent: racing finalization, cancellation, transport error, and
// natural close all funnel here, and only the first arrival wins. Every
// exit path releases the one-exchange lock, closes the transport, and
// stops the idle timer.
func (s *Session) terminal(ctx context.Context, next State, err error, patch func(*model.Message)) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.err = err
	stream := s.stream
	s.stream = nil
	timer := s.idleTimer
	s.idleTimer = nil
	done := s.done
	localKey := s.req.LocalKey
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stream != nil {
		stream.Close()
	}

	status := model.StatusSettled
	if next == StateFailed {
		status = model.StatusFailed
	}
	s.ledger.Patch(ctx, localKey, func(m *model.Message) {
		m.Status = status
		if patch != nil {
			patch(m)
		}
		// Retry context is only retained while streaming or failed.
		if status == model.StatusSettled {
			m.Retry = nil
		}
	})

	if done != nil {
		close(done)
	}

	log.Debug(ctx, log.KV{K: "msg", V: "exchange finished"},
		log.KV{K: "state", V: next.String()}, log.KV{K: "local_key", V: localKey})
}
