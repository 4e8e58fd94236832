// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"testing"

	"github.com/hukmlabs/ragchat/internal/config"
)

// =============================================================================
// CONFIG RELOAD
// =============================================================================

// A reloaded config reaches the next exchange through sessionOptions,
// with the -backend flag still winning and the retry pacer rebuilt.
func TestREPLUpdateConfig(t *testing.T) {
	first := config.Default()
	first.Backend.BaseURL = "http://old.example"
	first.Stream.RetryPerMinute = 0

	r := &repl{
		cfg:             first,
		backendOverride: "http://flag.example",
		limiter:         retryLimiter(first.Stream.RetryPerMinute),
	}

	next := config.Default()
	next.Backend.BaseURL = "http://new.example"
	next.Backend.Pipeline = "fast"
	next.Stream.RetryPerMinute = 6
	r.updateConfig(next)

	opts := r.sessionOptions()
	if opts.BaseURL != "http://flag.example" {
		t.Errorf("BaseURL = %q, backend flag must keep winning across reloads", opts.BaseURL)
	}
	if opts.Pipeline != "fast" {
		t.Errorf("Pipeline = %q, want fast", opts.Pipeline)
	}
	if opts.RetryLimiter == nil {
		t.Error("retry limiter not rebuilt from the new budget")
	}
}

func TestREPLUpdateConfigWithoutOverride(t *testing.T) {
	r := &repl{cfg: config.Default()}

	next := config.Default()
	next.Backend.BaseURL = "http://new.example"
	r.updateConfig(next)

	if got := r.sessionOptions().BaseURL; got != "http://new.example" {
		t.Errorf("BaseURL = %q, want the reloaded value", got)
	}
}

func TestRetryLimiter(t *testing.T) {
	if retryLimiter(0) != nil {
		t.Error("zero budget must disable pacing")
	}
	if retryLimiter(-1) != nil {
		t.Error("negative budget must disable pacing")
	}
	lim := retryLimiter(6)
	if lim == nil {
		t.Fatal("limiter not built")
	}
	if got := lim.Burst(); got != 1 {
		t.Errorf("burst = %d, want 1", got)
	}
}
