// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"sync"

	"goa.design/clue/log"

	"github.com/hukmlabs/ragchat/internal/model"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the ordered message list for one open conversation. All
// mutation happens through its methods; callers receive copies, never
// aliases into the internal slice.
type Ledger struct {
	mu       sync.Mutex
	messages []*model.Message
	byKey    map[string]*model.Message
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		byKey: make(map[string]*model.Message),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

// Seed prepends previously persisted messages, used once at chat open.
// Seeded messages keep their order and sit before anything appended
// optimistically in the meantime.
func (l *Ledger) Seed(msgs []model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seeded := make([]*model.Message, 0, len(msgs)+len(l.messages))
	for i := range msgs {
		m := msgs[i]
		if m.LocalKey == "" {
			m.LocalKey = model.NewLocalKey()
		}
		seeded = append(seeded, &m)
		l.byKey[m.LocalKey] = &m
	}
	l.messages = append(seeded, l.messages...)
}

// =============================================================================
// APPEND OPERATIONS
// =============================================================================

// AppendUserMessage appends a pending user message and returns its local
// key. Synchronous and always succeeds locally, so the UI can render
// before any persistence call resolves.
func (l *Ledger) AppendUserMessage(chatID, userID, text string) string {
	m := model.NewUserMessage(chatID, userID, text)
	l.append(m)
	return m.LocalKey
}

// AppendAssistantPlaceholder appends an empty streaming assistant message
// carrying the retry context of the exchange that will fill it.
func (l *Ledger) AppendAssistantPlaceholder(chatID string, retry *model.RetryContext) string {
	m := model.NewAssistantPlaceholder(chatID, retry)
	l.append(m)
	return m.LocalKey
}

func (l *Ledger) append(m *model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, m)
	l.byKey[m.LocalKey] = m
}

// =============================================================================
// PATCH OPERATIONS
// =============================================================================

// Patch applies updater to the message matching localKey. A missing key is
// a logged no-op: the message may already have been removed by a
// failed-send rollback while stream events were still queued.
func (l *Ledger) Patch(ctx context.Context, localKey string, updater func(*model.Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byKey[localKey]
	if !ok {
		log.Debug(ctx, log.KV{K: "msg", V: "ledger patch on missing key"}, log.KV{K: "local_key", V: localKey})
		return
	}
	updater(m)
}

// ReconcileServerID records the server-confirmed identity for a locally
// created message. List order is unchanged and the local key stays the
// stable render identity, so no duplicate entry appears.
func (l *Ledger) ReconcileServerID(ctx context.Context, localKey, serverID string) {
	l.Patch(ctx, localKey, func(m *model.Message) {
		m.AssignServerID(serverID)
	})
}

// RemoveByKey rolls back an optimistic message whose persistence save
// failed. Exactly one entry is removed; other messages, including any
// assistant placeholder appended after it, are untouched.
func (l *Ledger) RemoveByKey(ctx context.Context, localKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byKey[localKey]; !ok {
		log.Debug(ctx, log.KV{K: "msg", V: "ledger remove on missing key"}, log.KV{K: "local_key", V: localKey})
		return
	}
	delete(l.byKey, localKey)
	for i, m := range l.messages {
		if m.LocalKey == localKey {
			l.messages = append(l.messages[:i], l.messages[i+1:]...)
			return
		}
	}
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Get returns a copy of the message matching localKey.
func (l *Ledger) Get(localKey string) (model.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byKey[localKey]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// Messages returns a snapshot of the list in append order.
func (l *Ledger) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
