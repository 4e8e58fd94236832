// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger maintains the client-visible ordered message list for one
// conversation.
//
// Messages are appended optimistically before any network call resolves,
// patched in place while an assistant response streams, and reconciled
// with server-confirmed identifiers once persistence is acknowledged.
// Ordering is append-only; patches never reorder.
package ledger
