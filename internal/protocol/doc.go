// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol decodes raw SSE frames from the RAG backend into a
// tagged union of typed messages.
//
// The backend vocabulary is: metadata, stream_initiated, message_update,
// message_finalized, tool_info. Unknown event names decode into Unhandled
// so they are never dropped without a diagnostic path. Malformed payloads
// yield a *DecodeError and never panic; the caller treats them as a
// recoverable per-event failure.
package protocol
