// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/hukmlabs/ragchat/internal/model"
)

// =============================================================================
// EVENT NAMES
// =============================================================================

// Recognized event names on the wire.
const (
	EventMetadata         = "metadata"
	EventStreamInitiated  = "stream_initiated"
	EventMessageUpdate    = "message_update"
	EventMessageFinalized = "message_finalized"
	EventToolInfo         = "tool_info"
)

// Finalization status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// =============================================================================
// MESSAGE UNION
// =============================================================================

// Msg is a decoded protocol message. Exactly one concrete type is returned
// per frame so downstream folding can switch exhaustively.
type Msg interface {
	protocolMsg()
}

// Metadata carries early exchange metadata: the assistant message id the
// backend allocated, citation sources, and non-fatal file processing
// warnings.
type Metadata struct {
	AIMessageID          string         `json:"ai_message_id"`
	Sources              []model.Source `json:"sources"`
	FileProcessingErrors []string       `json:"file_processing_errors"`
}

// StreamInitiated signals that the backend pipeline has started.
type StreamInitiated struct {
	Status string `json:"status"`
}

// MessageUpdate carries the full assistant text accumulated so far. The
// backend sends cumulative snapshots, not deltas.
type MessageUpdate struct {
	CumulativeText string `json:"cumulative_text"`
	MessageID      string `json:"message_id"`
}

// ErrorDetails describes a server-reported failure inside a finalization.
type ErrorDetails struct {
	Error             string `json:"error"`
	UserFacingMessage string `json:"user_facing_message"`
}

// FinalMetadata is the metadata block attached to a finalization.
type FinalMetadata struct {
	Sources []model.Source `json:"sources"`
}

// MessageFinalized is the terminal event of an exchange.
type MessageFinalized struct {
	FullContent           string        `json:"full_content"`
	Status                string        `json:"status"`
	PersistentAIMessageID string        `json:"persistent_ai_message_id"`
	ErrorDetails          *ErrorDetails `json:"error_details"`
	Metadata              FinalMetadata `json:"metadata"`
	IsFinal               bool          `json:"isFinal"`
}

// IsError returns true when the backend reported a failed exchange.
func (m *MessageFinalized) IsError() bool {
	return m.Status == StatusError
}

// UserMessage returns the text to surface for a failed finalization,
// falling back to the raw error string.
func (m *MessageFinalized) UserMessage() string {
	if m.ErrorDetails == nil {
		return "unknown error"
	}
	if m.ErrorDetails.UserFacingMessage != "" {
		return m.ErrorDetails.UserFacingMessage
	}
	return m.ErrorDetails.Error
}

// ToolInfo is an opaque passthrough; the client displays or ignores it.
type ToolInfo struct {
	Raw json.RawMessage
}

// Unhandled wraps an event name the client does not recognize.
type Unhandled struct {
	Event string
	Raw   []byte
}

func (*Metadata) protocolMsg()         {}
func (*StreamInitiated) protocolMsg()  {}
func (*MessageUpdate) protocolMsg()    {}
func (*MessageFinalized) protocolMsg() {}
func (*ToolInfo) protocolMsg()         {}
func (*Unhandled) protocolMsg()        {}

// =============================================================================
// DECODE ERROR
// =============================================================================

// DecodeError reports a single malformed frame. It carries the event name
// and the raw payload for diagnostics; the exchange continues past it.
type DecodeError struct {
	Event string
	Raw   []byte
	Err   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %q payload: %v", e.Event, e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// =============================================================================
// DECODER
// =============================================================================

// Decode normalizes one raw SSE frame into a typed protocol message.
// Unknown event names return Unhandled, not an error. Malformed JSON for
// a recognized event returns a *DecodeError.
func Decode(event string, data []byte) (Msg, error) {
	switch event {
	case EventMetadata:
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &DecodeError{Event: event, Raw: data, Err: err}
		}
		return &m, nil

	case EventStreamInitiated:
		var m StreamInitiated
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &DecodeError{Event: event, Raw: data, Err: err}
		}
		return &m, nil

	case EventMessageUpdate:
		var m MessageUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &DecodeError{Event: event, Raw: data, Err: err}
		}
		return &m, nil

	case EventMessageFinalized:
		var m MessageFinalized
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &DecodeError{Event: event, Raw: data, Err: err}
		}
		return &m, nil

	case EventToolInfo:
		// Opaque passthrough, but still must be well-formed JSON.
		if !json.Valid(data) {
			return nil, &DecodeError{Event: event, Raw: data, Err: fmt.Errorf("invalid JSON")}
		}
		return &ToolInfo{Raw: json.RawMessage(data)}, nil

	default:
		return &Unhandled{Event: event, Raw: data}, nil
	}
}
