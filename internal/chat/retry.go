// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/clue/log"

	"github.com/hukmlabs/ragchat/internal/ledger"
	"github.com/hukmlabs/ragchat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrMissingContext is returned when retry is attempted on a message that
// no longer holds its original query context. This is a programmer error
// class: normal UI flow cannot produce it, and it must fail loudly rather
// than silently no-op.
var ErrMissingContext = errors.New("message has no retry context")

// =============================================================================
// COORDINATOR
// =============================================================================

// SessionFactory produces a fresh Session for each retried exchange.
type SessionFactory func() *Session

// Coordinator re-issues a previously failed exchange using the retained
// query and user context, reusing the ledger entry in place rather than
// appending a new one.
type Coordinator struct {
	ledger  *ledger.Ledger
	factory SessionFactory
	limiter *rate.Limiter

	mu    sync.Mutex
	prior map[string]*Session // last session that streamed each local key
}

// NewCoordinator creates a retry coordinator. limiter paces retries; pass
// nil for unpaced.
func NewCoordinator(led *ledger.Ledger, factory SessionFactory, limiter *rate.Limiter) *Coordinator {
	return &Coordinator{
		ledger:  led,
		factory: factory,
		limiter: limiter,
		prior:   make(map[string]*Session),
	}
}

// Bind records the session currently responsible for a ledger entry so a
// later retry can close its transport first.
func (c *Coordinator) Bind(localKey string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prior[localKey] = s
}

// Retry re-streams the exchange behind localKey. The target message is
// reset in place: same local key, same list position, text cleared,
// status back to streaming. On failure it reverts to failed with the new
// error annotation on the cleared text, never stacked on the old one.
func (c *Coordinator) Retry(ctx context.Context, localKey string) (*Session, error) {
	m, ok := c.ledger.Get(localKey)
	if !ok {
		return nil, ErrMissingContext
	}
	if m.Retry == nil {
		return nil, ErrMissingContext
	}
	rc := *m.Retry

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	// A well-behaved caller already tore the prior exchange down, but do
	// not assume it.
	c.mu.Lock()
	if prior, ok := c.prior[localKey]; ok {
		prior.CloseTransport()
	}
	c.mu.Unlock()

	c.ledger.Patch(ctx, localKey, func(msg *model.Message) {
		msg.Text = ""
		msg.Status = model.StatusStreaming
		msg.SaveFailed = false
		msg.Retry = &rc
	})

	log.Info(ctx, log.KV{K: "msg", V: "retrying exchange"},
		log.KV{K: "local_key", V: localKey}, log.KV{K: "chat_id", V: rc.ChatID})

	sess := c.factory()
	c.Bind(localKey, sess)

	err := sess.Start(ctx, Request{
		Query:       rc.Query,
		ChatID:      rc.ChatID,
		UserID:      rc.UserID,
		LocalKey:    localKey,
		AIMessageID: m.ServerID,
	})
	if err != nil {
		// Start already patched the entry failed for transport errors;
		// auth and busy errors never touch the ledger, so mark it here.
		c.ledger.Patch(ctx, localKey, func(msg *model.Message) {
			if msg.Status != model.StatusFailed {
				msg.Status = model.StatusFailed
				msg.Text += annotConnection + err.Error()
			}
		})
		return nil, err
	}
	return sess, nil
}
