// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/hukmlabs/ragchat/internal/model"
)

// =============================================================================
// PERSISTENCE COLLABORATOR
// =============================================================================

// Store is the relational persistence collaborator. Implementations live
// outside this package; the session only calls SaveAssistantMessage from
// its successful finalization path, and the controller uses the rest for
// the optimistic send flow.
type Store interface {
	// CreateConversation creates a new chat owned by userID and returns
	// its id. The title is typically derived from the first user message.
	CreateConversation(ctx context.Context, userID, title, modelTag string) (string, error)

	// SaveUserMessage durably stores a user turn and returns the
	// server-assigned message id.
	SaveUserMessage(ctx context.Context, chatID, userID, text string) (string, error)

	// SaveAssistantMessage durably stores a finalized assistant turn.
	SaveAssistantMessage(ctx context.Context, chatID, text string, tokenCount int, kind string, metadata map[string]any) (string, error)

	// LoadMessages returns the persisted turns of a chat ordered by
	// timestamp ascending, consumed once at chat open to seed the ledger.
	LoadMessages(ctx context.Context, chatID string) ([]model.Message, error)
}

// =============================================================================
// CREDENTIAL COLLABORATOR
// =============================================================================

// TokenSource supplies the bearer token for outbound requests. The
// session re-fetches per exchange rather than caching across calls,
// since tokens can rotate.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}
