// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// STATUS TYPE
// =============================================================================

// Status represents the lifecycle state of a message.
type Status string

const (
	// StatusPending means the message exists locally but no exchange or
	// persistence call has confirmed it yet.
	StatusPending Status = "pending"

	// StatusStreaming means an assistant message is being filled in by an
	// active exchange.
	StatusStreaming Status = "streaming"

	// StatusSettled is terminal: the message text is final. A user-initiated
	// stop also settles the message with whatever text had accumulated.
	StatusSettled Status = "settled"

	// StatusFailed is terminal until a retry re-streams the message.
	StatusFailed Status = "failed"
)

// IsTerminal returns true for settled and failed.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// =============================================================================
// SOURCE TYPE
// =============================================================================

// SourceMetadata describes where a citation came from.
type SourceMetadata struct {
	Title         string `json:"title,omitempty"`
	LawName       string `json:"lawName,omitempty"`
	ArticleNumber string `json:"articleNumber,omitempty"`
}

// Source is a single citation record attached to an assistant message.
type Source struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata SourceMetadata `json:"metadata"`
}

// =============================================================================
// RETRY CONTEXT
// =============================================================================

// RetryContext holds everything needed to re-issue the exchange that
// produced an assistant message. Present only while the message is
// streaming or failed.
type RetryContext struct {
	Query  string
	UserID string
	ChatID string
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single chat turn.
type Message struct {
	// LocalKey is the client-generated identity, never reused.
	LocalKey string `json:"local_key"`

	// ServerID is empty until the backend confirms persistence. It is
	// assigned at most once, except that finalization may promote it to
	// the backend's persistent id.
	ServerID string `json:"server_id,omitempty"`

	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	ChatID    string    `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`

	// Sources, once set to a non-empty list, is only ever replaced
	// wholesale, never appended to.
	Sources []Source `json:"sources,omitempty"`

	// Retry holds the original query context for assistant messages.
	Retry *RetryContext `json:"-"`

	// SaveFailed marks a settled-on-screen message whose durable save did
	// not succeed, so a reconciliation pass can retry the save without
	// regenerating content.
	SaveFailed bool `json:"save_failed,omitempty"`
}

// NewUserMessage creates a pending user message with a fresh local key.
func NewUserMessage(chatID, userID, text string) *Message {
	return &Message{
		LocalKey:  NewLocalKey(),
		Role:      RoleUser,
		Text:      text,
		Status:    StatusPending,
		ChatID:    chatID,
		Timestamp: time.Now(),
	}
}

// NewAssistantPlaceholder creates an empty streaming assistant message.
// The placeholder inherits the chat id established by its triggering user
// message, which may have been created during this very turn.
func NewAssistantPlaceholder(chatID string, retry *RetryContext) *Message {
	return &Message{
		LocalKey:  NewLocalKey(),
		Role:      RoleAssistant,
		Status:    StatusStreaming,
		ChatID:    chatID,
		Timestamp: time.Now(),
		Retry:     retry,
	}
}

// NewLocalKey generates a client-side message identity.
func NewLocalKey() string {
	return "local_" + uuid.NewString()
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AssignServerID sets the server-confirmed identity. First write wins;
// later assignments are ignored.
func (m *Message) AssignServerID(id string) {
	if m.ServerID == "" && id != "" {
		m.ServerID = id
	}
}

// ReplaceSources swaps the citation list wholesale. An empty replacement
// is ignored so a sparse finalization event cannot wipe citations learned
// from an earlier metadata event.
func (m *Message) ReplaceSources(sources []Source) {
	if len(sources) > 0 {
		m.Sources = sources
	}
}

// Preview returns a truncated preview of the message text.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Text)
	if len(runes) <= maxLen {
		return m.Text
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no text.
func (m *Message) IsEmpty() bool {
	return len(m.Text) == 0
}
