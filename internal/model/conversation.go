// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"
)

// MaxMessages is the maximum number of messages to keep in a conversation.
// When exceeded, old messages are pruned to prevent unbounded memory growth.
const MaxMessages = 1000

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a complete chat session with history and metadata.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages, append-only during a session. Only the last assistant
	// message is mutated while a generation streams into it.
	Messages []*Message `json:"messages"`

	// Model used for generations in this conversation.
	Model string `json:"model"`

	// Metadata accumulated from stream metadata chunks (e.g. detected
	// language). Merged, never replaced wholesale.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewConversation creates a new conversation with a generated ID.
func NewConversation() *Conversation {
	return &Conversation{
		ID:        newID("conv"),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Messages:  make([]*Message, 0),
	}
}

// NewConversationWithModel creates a new conversation with a specific model.
func NewConversationWithModel(model string) *Conversation {
	conv := NewConversation()
	conv.Model = model
	return conv
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage adds a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateSummary()
	c.pruneOldMessages()
}

// AddUserMessage creates and adds a user message.
func (c *Conversation) AddUserMessage(content string) *Message {
	msg := NewUserMessage(content)
	c.AddMessage(msg)
	return msg
}

// AddAssistantMessage creates and adds a streaming assistant message.
func (c *Conversation) AddAssistantMessage() *Message {
	msg := NewAssistantMessage()
	c.AddMessage(msg)
	return msg
}

// AddNoticeMessage creates and adds a system-notice message.
func (c *Conversation) AddNoticeMessage(content string) *Message {
	msg := NewNoticeMessage(content)
	c.AddMessage(msg)
	return msg
}

// LastMessage returns the most recent message, or nil if empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// MessageByID returns a message by its ID, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// =============================================================================
// METADATA
// =============================================================================

// MergeMetadata merges session-level metadata from a stream metadata chunk.
func (c *Conversation) MergeMetadata(meta map[string]any) {
	if len(meta) == 0 {
		return
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		c.Metadata[k] = v
	}
	c.UpdatedAt = time.Now()
}

// =============================================================================
// HELPERS
// =============================================================================

// updateSummary sets the summary from the first user message if unset.
func (c *Conversation) updateSummary() {
	if c.Summary != "" {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser && !msg.IsEmpty() {
			summary := strings.ReplaceAll(msg.DisplayContent(), "\n", " ")
			summary = strings.ReplaceAll(summary, "\r", "")
			runes := []rune(summary)
			if len(runes) > 50 {
				summary = string(runes[:47]) + "..."
			}
			c.Summary = summary
			return
		}
	}
}

// pruneOldMessages drops the oldest messages beyond MaxMessages.
func (c *Conversation) pruneOldMessages() {
	if len(c.Messages) <= MaxMessages {
		return
	}
	excess := len(c.Messages) - MaxMessages
	c.Messages = append([]*Message{}, c.Messages[excess:]...)
}
