// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates one query/response exchange against the RAG
// backend.
//
// A Session owns a single exchange: it sends the query, attaches to the
// SSE transport, folds protocol events into the in-flight assistant
// message through the ledger, and drives exactly one terminal transition
// (settled or failed) per Start call. A Controller wraps the optimistic
// send flow (create chat, save user message, roll back on failure,
// placeholder append), and a Coordinator re-issues failed exchanges in
// place.
//
// The package consumes two external collaborators: Store, the relational
// persistence layer, and TokenSource, which supplies the bearer token and
// is consulted once per exchange because tokens rotate.
package chat
