// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/lexrun-client/internal/model"
)

var (
	ErrNotFound = errors.New("conversation not found")
)

// Summary is a lightweight listing entry for a stored conversation.
type Summary struct {
	ID           string
	Summary      string
	MessageCount int
	UpdatedAt    time.Time
}

// Store persists conversations between sessions.
//
// Put writes the full conversation state; it is called after every settled
// generation, so implementations should make whole-conversation writes
// cheap rather than optimizing per-message updates.
type Store interface {
	// Put saves a conversation, replacing any previous state. A store
	// configured with a retention cap may discard its oldest conversations
	// as part of the write.
	Put(ctx context.Context, conv *model.Conversation) error

	// Get loads a conversation by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*model.Conversation, error)

	// List returns summaries of all conversations, most recent first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes a conversation. Deleting an absent ID is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases underlying resources.
	Close() error
}
