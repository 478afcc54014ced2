// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the core data structures for the lexrun client:
// conversations, messages, roles, and citation sources.
//
// A Conversation is append-only while a session is active; the single
// exception is the last assistant message, which the generation engine
// mutates while streaming and finalizes when the generation terminates.
package model
