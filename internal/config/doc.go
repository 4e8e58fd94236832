// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the ragchat client.
//
// Configuration is TOML with sensible defaults and environment variable
// overrides (RAGCHAT_*). The default file location is
// ~/.ragchat/config.toml. Watch re-loads the file on change so a running
// client picks up a new backend URL or reranker toggle without restart.
package config
