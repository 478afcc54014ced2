// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generation coordinates the full lifecycle of an assistant
// response: submitting the user message, consuming the chunk stream,
// revealing content character by character, attaching cited sources, and
// settling the conversation into storage.
//
// The engine is a strict state machine (idle, generating, completed,
// aborted, failed); every transition is validated centrally and progress
// is announced on the event bus rather than through callbacks.
package generation
