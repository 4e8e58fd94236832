// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse implements the server-sent-events transport used to stream
// assistant responses from the RAG backend.
//
// Parser reads raw SSE frames (event/data/id/retry fields) from an
// io.Reader per the EventSource wire format. Transport wraps a single
// streaming HTTP GET and delivers parsed frames to caller-supplied
// callbacks in wire order. A Stream is closed explicitly via Close, which
// is idempotent and guarantees no further callbacks fire.
package sse
