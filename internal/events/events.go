// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events defines the bus topics and typed payloads emitted by the
// generation engine.
package events

import "github.com/jeranaias/lexrun-client/internal/model"

// Topics emitted on the event bus.
const (
	TopicGenerationStarted = "generation:started"
	TopicGenerationStopped = "generation:stopped"
	TopicMessageUpdated    = "message:updated"
	TopicSourcesAttached   = "message:sourcesAttached"
	TopicGenerationError   = "error:generation"
)

// GenerationStarted is published when a send is accepted.
type GenerationStarted struct {
	ConversationID string
	MessageID      string
}

// GenerationStopped is published when a generation reaches a terminal state.
type GenerationStopped struct {
	ConversationID string
	MessageID      string

	// State is the terminal state name: "completed", "aborted" or "failed".
	State string
}

// MessageUpdated is published after each revealed character and on flush.
type MessageUpdated struct {
	MessageID string
	Content   string
}

// SourcesAttached is published when sources arrive and again once title
// enrichment resolves.
type SourcesAttached struct {
	MessageID string
	Sources   []model.Source
}

// GenerationError is published on the failure path, before GenerationStopped.
type GenerationError struct {
	ConversationID string
	Err            error
}
