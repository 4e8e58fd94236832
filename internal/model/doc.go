// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats and messages.
//
// A Message carries two identities: a client-generated LocalKey that is
// stable for the lifetime of the UI element, and a ServerID assigned once
// the backend confirms persistence. The LocalKey never changes; the
// ServerID transitions at most once from empty to non-empty.
//
// Assistant messages accumulate text while streaming and may carry
// citation Sources delivered by the retrieval backend. A RetryContext is
// retained while an assistant message is streaming or failed so the
// exchange can be re-issued in place.
package model
