// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleNotice marks system-generated notices shown inline in the
	// conversation, such as the generic failure message.
	RoleNotice Role = "system-notice"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// =============================================================================
// SOURCE TYPE
// =============================================================================

// Source is a citation attached to an assistant message.
// Title may be empty until enrichment resolves it.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// While IsStreaming is true the message is exclusively owned by the active
// generation; content accumulates in an internal builder and is merged into
// Content when the stream is finalized.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        newID("msg"),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new empty assistant message in streaming state.
func NewAssistantMessage() *Message {
	return &Message{
		ID:          newID("msg"),
		Role:        RoleAssistant,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewNoticeMessage creates a new system-notice message.
func NewNoticeMessage(content string) *Message {
	return NewMessage(RoleNotice, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendText appends text to a streaming message. No-op once finalized.
func (m *Message) AppendText(text string) {
	if m.IsStreaming {
		m.streamContent.WriteString(text)
	}
}

// ReplaceContent discards any streamed text and replaces the message content.
// Used for the generic failure notice.
func (m *Message) ReplaceContent(content string) {
	m.streamContent.Reset()
	if m.IsStreaming {
		m.streamContent.WriteString(content)
		return
	}
	m.Content = content
}

// FinalizeStream completes streaming, merging accumulated text into Content.
func (m *Message) FinalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// DisplayContent returns the content to show (streamed or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := m.DisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// newID creates a unique prefixed identifier.
func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
