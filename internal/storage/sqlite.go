// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/lexrun-client/internal/model"
)

// schema holds conversations, their messages, and per-message sources.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	summary    TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS sources (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	url        TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sources_message ON sources(message_id, seq);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore persists conversations in a local SQLite database.
type SQLiteStore struct {
	db               *sql.DB
	maxConversations int
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// WithMaxConversations caps the number of stored conversations. When a Put
// pushes the store over the cap, the oldest conversations are removed.
// Zero or negative disables the cap.
func (s *SQLiteStore) WithMaxConversations(n int) *SQLiteStore {
	s.maxConversations = n
	return s
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put saves a conversation, replacing any previous state. The whole
// conversation is rewritten in one transaction; client-side histories are
// small enough that this beats tracking per-message dirtiness.
func (s *SQLiteStore) Put(ctx context.Context, conv *model.Conversation) error {
	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, summary, model, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			model = excluded.model,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		conv.ID, conv.Summary, conv.Model, string(metadata), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conv.ID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	for seq, msg := range conv.Messages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ID, conv.ID, seq, string(msg.Role), msg.DisplayContent(), msg.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		for i, src := range msg.Sources {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sources (message_id, seq, url, title)
				VALUES (?, ?, ?, ?)`,
				msg.ID, i, src.URL, src.Title)
			if err != nil {
				return fmt.Errorf("failed to insert source: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if s.maxConversations > 0 {
		return s.enforceLimit(ctx)
	}
	return nil
}

// enforceLimit removes the oldest conversations beyond the configured cap.
// Messages and sources follow via ON DELETE CASCADE.
func (s *SQLiteStore) enforceLimit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id IN (
			SELECT id FROM conversations
			ORDER BY updated_at DESC
			LIMIT -1 OFFSET ?
		)`, s.maxConversations)
	if err != nil {
		return fmt.Errorf("failed to prune old conversations: %w", err)
	}
	return nil
}

// Get loads a conversation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	conv := &model.Conversation{ID: id}
	var metadata string

	err := s.db.QueryRowContext(ctx, `
		SELECT summary, model, metadata, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.Summary, &conv.Model, &metadata, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg := &model.Message{}
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for _, msg := range conv.Messages {
		if err := s.loadSources(ctx, msg); err != nil {
			return nil, err
		}
	}

	return conv, nil
}

func (s *SQLiteStore) loadSources(ctx context.Context, msg *model.Message) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, title FROM sources WHERE message_id = ? ORDER BY seq`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to load sources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src model.Source
		if err := rows.Scan(&src.URL, &src.Title); err != nil {
			return fmt.Errorf("failed to scan source: %w", err)
		}
		msg.Sources = append(msg.Sources, src)
	}
	return rows.Err()
}

// List returns summaries of all conversations, most recent first.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.summary, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Summary, &sum.UpdatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}
