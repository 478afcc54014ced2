// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/jeranaias/lexrun-client/internal/model"
)

// MemoryStore is an in-memory Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu               sync.RWMutex
	convs            map[string]*model.Conversation
	maxConversations int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*model.Conversation)}
}

// WithMaxConversations caps the number of stored conversations. When a Put
// pushes the store over the cap, the oldest conversations are removed.
// Zero or negative disables the cap.
func (s *MemoryStore) WithMaxConversations(n int) *MemoryStore {
	s.maxConversations = n
	return s
}

// Put saves a snapshot of the conversation.
func (s *MemoryStore) Put(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = snapshot(conv)
	s.enforceLimitLocked()
	return nil
}

// enforceLimitLocked removes the oldest conversations beyond the cap.
func (s *MemoryStore) enforceLimitLocked() {
	if s.maxConversations <= 0 || len(s.convs) <= s.maxConversations {
		return
	}

	convs := make([]*model.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.Before(convs[j].UpdatedAt)
	})

	excess := len(convs) - s.maxConversations
	for _, conv := range convs[:excess] {
		delete(s.convs, conv.ID)
	}
}

// Get loads a conversation by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(conv), nil
}

// List returns summaries of all conversations, most recent first.
func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]Summary, 0, len(s.convs))
	for _, conv := range s.convs {
		summaries = append(summaries, Summary{
			ID:           conv.ID,
			Summary:      conv.Summary,
			MessageCount: len(conv.Messages),
			UpdatedAt:    conv.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes a conversation.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, id)
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// snapshot copies a conversation so callers cannot mutate stored state.
// Streaming state intentionally does not survive the copy.
func snapshot(conv *model.Conversation) *model.Conversation {
	out := &model.Conversation{
		ID:        conv.ID,
		Summary:   conv.Summary,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Model:     conv.Model,
	}
	if conv.Metadata != nil {
		out.Metadata = make(map[string]any, len(conv.Metadata))
		for k, v := range conv.Metadata {
			out.Metadata[k] = v
		}
	}
	for _, msg := range conv.Messages {
		copied := &model.Message{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.DisplayContent(),
			Timestamp: msg.Timestamp,
		}
		copied.Sources = append(copied.Sources, msg.Sources...)
		out.Messages = append(out.Messages, copied)
	}
	return out
}
