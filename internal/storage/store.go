// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/hukmlabs/ragchat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrChatNotFound is returned when a chat id matches no row.
	ErrChatNotFound = errors.New("chat not found")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	chat_id    TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	chat_name  TEXT NOT NULL,
	model_type TEXT,
	archived   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_id        TEXT PRIMARY KEY,
	chat_id           TEXT NOT NULL REFERENCES chats(chat_id),
	user_id           TEXT,
	message_text      TEXT NOT NULL,
	is_user_message   INTEGER NOT NULL,
	tokens_used       INTEGER,
	message_type      TEXT NOT NULL DEFAULT 'text',
	metadata          TEXT,
	message_timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, message_timestamp);
`

// =============================================================================
// TYPES
// =============================================================================

// ChatMeta describes one conversation for listing.
type ChatMeta struct {
	ChatID    string
	UserID    string
	ChatName  string
	ModelType string
	CreatedAt time.Time
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// CreateConversation inserts a new chat row and returns its id.
func (s *Store) CreateConversation(ctx context.Context, userID, title, modelTag string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, user_id, chat_name, model_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, title, modelTag, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}
	return id, nil
}

// ListChats returns the user's non-archived chats, most recent first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]ChatMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, user_id, chat_name, COALESCE(model_type, ''), created_at
		 FROM chats WHERE user_id = ? AND archived = 0
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var metas []ChatMeta
	for rows.Next() {
		var m ChatMeta
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.ChatName, &m.ModelType, &m.CreatedAt); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// RenameChat updates a chat's display name.
func (s *Store) RenameChat(ctx context.Context, chatID, newName string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET chat_name = ? WHERE chat_id = ?`, newName, chatID)
	if err != nil {
		return fmt.Errorf("failed to rename chat: %w", err)
	}
	return requireOneRow(res)
}

// ArchiveChat soft-deletes a chat: it disappears from listings but keeps
// its rows for recovery.
func (s *Store) ArchiveChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET archived = 1 WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to archive chat: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// SaveUserMessage stores a user turn and returns its server id.
func (s *Store) SaveUserMessage(ctx context.Context, chatID, userID, text string) (string, error) {
	return s.saveMessage(ctx, chatID, userID, text, true, 0, "text", nil)
}

// SaveAssistantMessage stores a finalized assistant turn and returns its
// server id.
func (s *Store) SaveAssistantMessage(ctx context.Context, chatID, text string, tokenCount int, kind string, metadata map[string]any) (string, error) {
	return s.saveMessage(ctx, chatID, "", text, false, tokenCount, kind, metadata)
}

func (s *Store) saveMessage(ctx context.Context, chatID, userID, text string, isUser bool, tokens int, kind string, metadata map[string]any) (string, error) {
	id := uuid.NewString()
	if kind == "" {
		kind = "text"
	}

	var meta sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode message metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, chat_id, user_id, message_text, is_user_message, tokens_used, message_type, metadata, message_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, chatID, userID, text, isUser, tokens, kind, meta, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to save message: %w", err)
	}
	return id, nil
}

// LoadMessages returns a chat's turns ordered by timestamp ascending,
// mapped into settled model messages ready to seed a ledger.
func (s *Store) LoadMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, chat_id, message_text, is_user_message, COALESCE(metadata, ''), message_timestamp
		 FROM messages WHERE chat_id = ?
		 ORDER BY message_timestamp ASC, message_id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m      model.Message
			isUser bool
			meta   string
		)
		if err := rows.Scan(&m.ServerID, &m.ChatID, &m.Text, &isUser, &meta, &m.Timestamp); err != nil {
			return nil, err
		}
		m.LocalKey = model.NewLocalKey()
		m.Status = model.StatusSettled
		if isUser {
			m.Role = model.RoleUser
		} else {
			m.Role = model.RoleAssistant
			m.Sources = decodeSources(meta)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// decodeSources extracts citation sources from stored metadata. Corrupt
// metadata is ignored rather than failing the whole load.
func decodeSources(meta string) []model.Source {
	if meta == "" {
		return nil
	}
	var decoded struct {
		Sources []model.Source `json:"sources"`
	}
	if err := json.Unmarshal([]byte(meta), &decoded); err != nil {
		return nil
	}
	return decoded.Sources
}
