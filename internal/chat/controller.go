// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/hukmlabs/ragchat/internal/ledger"
	"github.com/hukmlabs/ragchat/internal/model"
	"github.com/hukmlabs/ragchat/internal/sse"
)

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the optimistic send flow for one open conversation:
// append the user message locally, persist it (rolling back on failure),
// append the assistant placeholder, and hand the exchange to a fresh
// Session. One Controller per open chat screen.
type Controller struct {
	Ledger      *ledger.Ledger
	Store       Store
	Tokens      TokenSource
	Opts        Options
	Coordinator *Coordinator

	transport *sse.Transport
	chatID    string
	userID    string
	modelTag  string
	session   *Session
}

// NewController creates a controller for one conversation. chatID may be
// empty; the first Send then creates the conversation, titled from the
// first query.
func NewController(store Store, tokens TokenSource, opts Options, chatID, userID, modelTag string) *Controller {
	led := ledger.New()
	c := &Controller{
		Ledger:    led,
		Store:     store,
		Tokens:    tokens,
		Opts:      opts,
		transport: sse.NewTransport(),
		chatID:    chatID,
		userID:    userID,
		modelTag:  modelTag,
	}
	c.Coordinator = NewCoordinator(led, c.newSession, opts.RetryLimiter)
	return c
}

// newSession builds a fresh Session wired to this controller's
// collaborators.
func (c *Controller) newSession() *Session {
	return NewSession(c.transport, c.Ledger, c.Store, c.Tokens, c.Opts)
}

// ChatID returns the conversation id, empty until the first Send.
func (c *Controller) ChatID() string {
	return c.chatID
}

// Open seeds the ledger from persistence. Called once when an existing
// conversation is opened.
func (c *Controller) Open(ctx context.Context) error {
	if c.chatID == "" {
		return nil
	}
	msgs, err := c.Store.LoadMessages(ctx, c.chatID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	c.Ledger.Seed(msgs)
	return nil
}

// Send runs one full turn: user message appended and persisted, assistant
// placeholder appended, exchange started. Returns the session running the
// exchange so callers can Wait or Cancel it.
//
// The user message renders before any network call resolves; if its save
// fails it is rolled back and no exchange starts.
func (c *Controller) Send(ctx context.Context, text string) (*Session, error) {
	if c.session != nil && !c.session.State().Terminal() && c.session.State() != StateIdle {
		return nil, ErrExchangeActive
	}

	// First turn of a brand-new conversation creates the chat row, titled
	// from the query.
	if c.chatID == "" {
		title := text
		if runes := []rune(title); len(runes) > 50 {
			title = string(runes[:47]) + "..."
		}
		chatID, err := c.Store.CreateConversation(ctx, c.userID, title, c.modelTag)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat: %w", err)
		}
		c.chatID = chatID
	}

	userKey := c.Ledger.AppendUserMessage(c.chatID, c.userID, text)

	serverID, err := c.Store.SaveUserMessage(ctx, c.chatID, c.userID, text)
	if err != nil {
		// Roll back the optimistic entry; the turn never happened.
		log.Error(ctx, err, log.KV{K: "msg", V: "user message save failed, rolling back"})
		c.Ledger.RemoveByKey(ctx, userKey)
		return nil, fmt.Errorf("could not send message: %w", err)
	}
	c.Ledger.ReconcileServerID(ctx, userKey, serverID)
	c.Ledger.Patch(ctx, userKey, func(m *model.Message) {
		m.Status = model.StatusSettled
	})

	assistantKey := c.Ledger.AppendAssistantPlaceholder(c.chatID, &model.RetryContext{
		Query:  text,
		UserID: c.userID,
		ChatID: c.chatID,
	})

	sess := c.newSession()
	c.session = sess
	c.Coordinator.Bind(assistantKey, sess)

	if err := sess.Start(ctx, Request{
		Query:    text,
		ChatID:   c.chatID,
		UserID:   c.userID,
		LocalKey: assistantKey,
	}); err != nil {
		// Start already patched the entry failed for transport errors;
		// token errors roll the session back without touching the ledger,
		// so mark the placeholder here or it would stay streaming with no
		// session driving it. Retry context stays so /retry works.
		c.Ledger.Patch(ctx, assistantKey, func(m *model.Message) {
			if m.Status != model.StatusFailed {
				m.Status = model.StatusFailed
				m.Text += annotConnection + err.Error()
			}
		})
		return sess, err
	}
	return sess, nil
}

// Cancel stops the in-flight exchange, if any.
func (c *Controller) Cancel(ctx context.Context) {
	if c.session != nil {
		c.session.Cancel(ctx)
	}
}

// Retry re-issues the exchange behind a failed assistant message.
func (c *Controller) Retry(ctx context.Context, localKey string) (*Session, error) {
	sess, err := c.Coordinator.Retry(ctx, localKey)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}
