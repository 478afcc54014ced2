// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// lexrun client.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - Watcher: Debounced hot-reload of the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (LEXRUN_*)
//   - ~/.lexrun/config.toml
//   - Built-in defaults
package config
