// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol decodes the lexrun backend's event-stream wire format
// into typed chunks.
//
// Each event line has the form "data: <payload>", where the payload is
// either the literal sentinel "[DONE]" or a JSON object. Recognized JSON
// shapes, in priority order: choices[0].delta.content,
// choices[0].message.content, top-level content, sources/references,
// metadata. Any other well-formed JSON is dropped; text that fails to
// parse is passed through as content so a single bad line cannot kill the
// stream.
package protocol
