// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hukmlabs/ragchat/internal/ledger"
	"github.com/hukmlabs/ragchat/internal/model"
	"github.com/hukmlabs/ragchat/internal/sse"
)

// failedEntry seeds a ledger with a settled user message followed by a
// failed assistant message carrying retry context, returning the
// assistant's local key.
func failedEntry(led *ledger.Ledger, serverID string) string {
	led.AppendUserMessage("chat-1", "u1", "ما هو نظام العمل؟")
	key := led.AppendAssistantPlaceholder("chat-1", &model.RetryContext{
		Query:  "ما هو نظام العمل؟",
		UserID: "u1",
		ChatID: "chat-1",
	})
	led.Patch(context.Background(), key, func(m *model.Message) {
		m.Status = model.StatusFailed
		m.Text = "old partial\n\nError connecting to assistant: boom"
		m.AssignServerID(serverID)
	})
	return key
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestCoordinator_RetryReusesEntryInPlace(t *testing.T) {
	server := sseServer([]string{
		frame("message_update", `{"cumulative_text":"تمت الإجابة"}`),
		frame("message_finalized", `{"full_content":"تمت الإجابة بنجاح","status":"ok","persistent_ai_message_id":"m2"}`),
	}, nil)
	defer server.Close()

	store := &fakeStore{}
	led := ledger.New()
	key := failedEntry(led, "m-old")

	factory := func() *Session {
		return NewSession(sse.NewTransport(), led, store, &fixedTokens{token: "t"}, Options{BaseURL: server.URL})
	}
	coord := NewCoordinator(led, factory, nil)

	sess, err := coord.Retry(context.Background(), key)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	msgs := led.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len = %d, retry must not append a new entry", len(msgs))
	}
	if msgs[1].LocalKey != key {
		t.Error("retried message lost its local key")
	}
	if msgs[1].Text != "تمت الإجابة بنجاح" {
		t.Errorf("text = %q, want fresh content with no stacked error", msgs[1].Text)
	}
	if msgs[1].Status != model.StatusSettled {
		t.Errorf("status = %v, want settled", msgs[1].Status)
	}
}

// A retried exchange asks the backend to reuse the existing assistant row.
func TestCoordinator_RetryForwardsServerID(t *testing.T) {
	gotAIMessageID := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAIMessageID <- r.URL.Query().Get("ai_message_id")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frame("message_finalized", `{"full_content":"ok","status":"ok"}`))
	}))
	defer server.Close()

	led := ledger.New()
	key := failedEntry(led, "m-old")
	store := &fakeStore{}

	factory := func() *Session {
		return NewSession(sse.NewTransport(), led, store, &fixedTokens{token: "t"}, Options{BaseURL: server.URL})
	}
	coord := NewCoordinator(led, factory, nil)

	sess, err := coord.Retry(context.Background(), key)
	if err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	sess.Wait(context.Background())

	select {
	case got := <-gotAIMessageID:
		if got != "m-old" {
			t.Errorf("ai_message_id = %q, want m-old", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never saw the retried request")
	}
}

func TestCoordinator_MissingContext(t *testing.T) {
	led := ledger.New()
	coord := NewCoordinator(led, nil, nil)

	// Unknown key.
	if _, err := coord.Retry(context.Background(), "nope"); !errors.Is(err, ErrMissingContext) {
		t.Errorf("Retry(unknown) = %v, want ErrMissingContext", err)
	}

	// Entry without retry context (settled messages drop it).
	key := led.AppendAssistantPlaceholder("chat-1", nil)
	if _, err := coord.Retry(context.Background(), key); !errors.Is(err, ErrMissingContext) {
		t.Errorf("Retry(no context) = %v, want ErrMissingContext", err)
	}
}

func TestCoordinator_RetryStartFailureMarksFailed(t *testing.T) {
	led := ledger.New()
	key := failedEntry(led, "")
	store := &fakeStore{}

	factory := func() *Session {
		return NewSession(sse.NewTransport(), led, store, &fixedTokens{err: errors.New("session expired")},
			Options{BaseURL: "http://127.0.0.1:0"})
	}
	coord := NewCoordinator(led, factory, nil)

	if _, err := coord.Retry(context.Background(), key); err == nil {
		t.Fatal("Retry() succeeded with a failing token source")
	}

	m, _ := led.Get(key)
	if m.Status != model.StatusFailed {
		t.Errorf("status = %v, want failed", m.Status)
	}
	// The reset cleared the old annotation; only the new one remains.
	if strings.Contains(m.Text, "boom") {
		t.Errorf("text = %q, old error annotation stacked on retry", m.Text)
	}
	if !strings.Contains(m.Text, "session expired") {
		t.Errorf("text = %q, want new error annotation", m.Text)
	}
	if m.Retry == nil {
		t.Error("retry context must survive a failed retry")
	}
}

func TestCoordinator_RateLimiterPacesRetries(t *testing.T) {
	led := ledger.New()
	key := failedEntry(led, "")
	store := &fakeStore{}

	server := sseServer([]string{
		frame("message_finalized", `{"full_content":"x","status":"error","error_details":{"error":"e"}}`),
	}, nil)
	defer server.Close()

	factory := func() *Session {
		return NewSession(sse.NewTransport(), led, store, &fixedTokens{token: "t"}, Options{BaseURL: server.URL})
	}
	// One token, refilled far too slowly to matter inside the test.
	coord := NewCoordinator(led, factory, rate.NewLimiter(rate.Every(time.Hour), 1))

	sess, err := coord.Retry(context.Background(), key)
	if err != nil {
		t.Fatalf("first Retry() error: %v", err)
	}
	sess.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := coord.Retry(ctx, key); err == nil {
		t.Fatal("second immediate Retry() not paced by the limiter")
	}
}
