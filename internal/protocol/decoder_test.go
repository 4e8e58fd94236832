// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"errors"
	"testing"
)

// =============================================================================
// DECODE TESTS
// =============================================================================

func TestDecode_Metadata(t *testing.T) {
	data := []byte(`{
		"ai_message_id": "m-42",
		"sources": [{"id": "s1", "content": "نظام العمل", "metadata": {"lawName": "نظام العمل", "articleNumber": "المادة 107"}}],
		"file_processing_errors": ["file too large"]
	}`)

	msg, err := Decode(EventMetadata, data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	m, ok := msg.(*Metadata)
	if !ok {
		t.Fatalf("Decode() type = %T, want *Metadata", msg)
	}
	if m.AIMessageID != "m-42" {
		t.Errorf("AIMessageID = %q, want m-42", m.AIMessageID)
	}
	if len(m.Sources) != 1 || m.Sources[0].Metadata.LawName != "نظام العمل" {
		t.Errorf("Sources = %+v, want one Arabic law source", m.Sources)
	}
	if len(m.FileProcessingErrors) != 1 {
		t.Errorf("FileProcessingErrors = %v, want one warning", m.FileProcessingErrors)
	}
}

func TestDecode_StreamInitiated(t *testing.T) {
	msg, err := Decode(EventStreamInitiated, []byte(`{"status":"started"}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	m, ok := msg.(*StreamInitiated)
	if !ok || m.Status != "started" {
		t.Errorf("got %T %+v, want StreamInitiated started", msg, msg)
	}
}

func TestDecode_MessageUpdate(t *testing.T) {
	msg, err := Decode(EventMessageUpdate, []byte(`{"cumulative_text":"المادة الأولى","message_id":"m-42"}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	m, ok := msg.(*MessageUpdate)
	if !ok {
		t.Fatalf("Decode() type = %T, want *MessageUpdate", msg)
	}
	if m.CumulativeText != "المادة الأولى" || m.MessageID != "m-42" {
		t.Errorf("got %+v", m)
	}
}

func TestDecode_MessageFinalizedOK(t *testing.T) {
	data := []byte(`{
		"full_content": "answer",
		"status": "ok",
		"persistent_ai_message_id": "m1-final",
		"metadata": {"sources": [{"id": "s1", "content": "c"}]},
		"isFinal": true
	}`)

	msg, err := Decode(EventMessageFinalized, data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	m := msg.(*MessageFinalized)
	if m.IsError() {
		t.Error("IsError() = true for ok status")
	}
	if m.PersistentAIMessageID != "m1-final" {
		t.Errorf("PersistentAIMessageID = %q, want m1-final", m.PersistentAIMessageID)
	}
	if !m.IsFinal || len(m.Metadata.Sources) != 1 {
		t.Errorf("got %+v", m)
	}
}

func TestDecode_MessageFinalizedError(t *testing.T) {
	data := []byte(`{
		"full_content": "",
		"status": "error",
		"error_details": {"error": "pipeline exploded", "user_facing_message": "حدث خطأ"}
	}`)

	msg, err := Decode(EventMessageFinalized, data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	m := msg.(*MessageFinalized)
	if !m.IsError() {
		t.Error("IsError() = false for error status")
	}
	if m.UserMessage() != "حدث خطأ" {
		t.Errorf("UserMessage() = %q, want the user facing text", m.UserMessage())
	}
}

func TestMessageFinalized_UserMessageFallbacks(t *testing.T) {
	// Raw error string when no user facing text was supplied.
	m := &MessageFinalized{Status: StatusError, ErrorDetails: &ErrorDetails{Error: "raw failure"}}
	if m.UserMessage() != "raw failure" {
		t.Errorf("UserMessage() = %q, want raw failure", m.UserMessage())
	}

	// Missing details entirely.
	m = &MessageFinalized{Status: StatusError}
	if m.UserMessage() != "unknown error" {
		t.Errorf("UserMessage() = %q, want unknown error", m.UserMessage())
	}
}

func TestDecode_ToolInfo(t *testing.T) {
	msg, err := Decode(EventToolInfo, []byte(`{"tool":"search","args":{"q":"x"}}`))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	m, ok := msg.(*ToolInfo)
	if !ok {
		t.Fatalf("Decode() type = %T, want *ToolInfo", msg)
	}
	if string(m.Raw) != `{"tool":"search","args":{"q":"x"}}` {
		t.Errorf("Raw = %s, want passthrough", m.Raw)
	}
}

func TestDecode_UnknownEvent(t *testing.T) {
	msg, err := Decode("heartbeat", []byte(`{}`))
	if err != nil {
		t.Fatalf("Decode() error: %v, unknown events must not fail", err)
	}
	m, ok := msg.(*Unhandled)
	if !ok || m.Event != "heartbeat" {
		t.Errorf("got %T %+v, want Unhandled heartbeat", msg, msg)
	}
}

// =============================================================================
// MALFORMED PAYLOADS
// =============================================================================

func TestDecode_MalformedPayloads(t *testing.T) {
	cases := []struct {
		event string
		data  string
	}{
		{EventMetadata, `{"ai_message_id":`},
		{EventStreamInitiated, `not json`},
		{EventMessageUpdate, `{"cumulative_text": 12`},
		{EventMessageFinalized, `[truncated`},
		{EventToolInfo, `{broken`},
	}
	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			_, err := Decode(tc.event, []byte(tc.data))
			if err == nil {
				t.Fatal("Decode() succeeded on malformed payload")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error type = %T, want *DecodeError", err)
			}
			if de.Event != tc.event {
				t.Errorf("DecodeError.Event = %q, want %q", de.Event, tc.event)
			}
			if string(de.Raw) != tc.data {
				t.Errorf("DecodeError.Raw = %q, want original payload", de.Raw)
			}
		})
	}
}
