// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the relational persistence layer for chats and
// messages, backed by SQLite.
//
// It implements the chat.Store collaborator: conversations and turns are
// stored durably so a chat can be reopened with its history. Archiving is
// a soft delete; archived chats stay out of listings but keep their rows.
package storage
