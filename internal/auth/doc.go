// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth supplies bearer tokens for outbound RAG requests.
//
// The chat session consults its TokenSource once per exchange because
// access tokens rotate. StaticTokenSource wraps a fixed token (tests,
// service accounts); RefreshingTokenSource exchanges a long-lived refresh
// token for short-lived access tokens against the auth service and caches
// them until shortly before expiry.
package auth
