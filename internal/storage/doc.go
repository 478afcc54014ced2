// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides conversation persistence for the lexrun client.
//
// # Key Types
//
//   - Store: persistence interface used by the generation orchestrator
//   - SQLiteStore: local SQLite database backend (the default)
//   - MemoryStore: in-memory backend for tests and ephemeral sessions
//
// # Usage
//
// Open a store and save a conversation:
//
//	store, err := storage.NewSQLiteStore(path)
//	err = store.Put(ctx, conversation)
//
// List and load conversations:
//
//	summaries, err := store.List(ctx)
//	conv, err := store.Get(ctx, summaries[0].ID)
//
// # Storage Location
//
// The default database lives at ~/.lexrun/conversations.db.
package storage
