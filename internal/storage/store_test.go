// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/lexrun-client/internal/model"
)

// openStores returns one of each backend, both torn down with the test.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func sampleConversation() *model.Conversation {
	conv := model.NewConversationWithModel("lexrun-default")
	conv.AddUserMessage("What does §343 BGB say about penalties?")

	reply := conv.AddAssistantMessage()
	reply.AppendText("A contractual penalty may be reduced ")
	reply.AppendText("to a reasonable amount by judgment.")
	reply.Sources = []model.Source{
		{URL: "https://law.example/statutes/343", Title: "§343 BGB"},
	}
	reply.FinalizeStream()

	conv.MergeMetadata(map[string]any{"language": "en"})
	return conv
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := sampleConversation()
			require.NoError(t, store.Put(ctx, conv))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)

			assert.Equal(t, conv.ID, got.ID)
			assert.Equal(t, conv.Summary, got.Summary)
			assert.Equal(t, "lexrun-default", got.Model)
			assert.Equal(t, "en", got.Metadata["language"])

			require.Len(t, got.Messages, 2)
			assert.Equal(t, model.RoleUser, got.Messages[0].Role)
			assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)
			assert.Equal(t,
				"A contractual penalty may be reduced to a reasonable amount by judgment.",
				got.Messages[1].Content)
			require.Len(t, got.Messages[1].Sources, 1)
			assert.Equal(t, "§343 BGB", got.Messages[1].Sources[0].Title)
		})
	}
}

func TestPutReplacesPreviousState(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := sampleConversation()
			require.NoError(t, store.Put(ctx, conv))

			conv.AddUserMessage("And §344?")
			require.NoError(t, store.Put(ctx, conv))

			got, err := store.Get(ctx, conv.ID)
			require.NoError(t, err)
			assert.Len(t, got.Messages, 3)
		})
	}
}

func TestGetMissingConversation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "conv_missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListOrdersByRecency(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			older := sampleConversation()
			require.NoError(t, store.Put(ctx, older))

			newer := model.NewConversation()
			newer.AddUserMessage("Newer question")
			newer.UpdatedAt = older.UpdatedAt.Add(1)
			require.NoError(t, store.Put(ctx, newer))

			summaries, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 2)
			assert.Equal(t, newer.ID, summaries[0].ID)
			assert.Equal(t, older.ID, summaries[1].ID)
			assert.Equal(t, 2, summaries[1].MessageCount)
		})
	}
}

func TestPutPrunesOldestBeyondCap(t *testing.T) {
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	stores := map[string]Store{
		"sqlite": sqlite.WithMaxConversations(2),
		"memory": NewMemoryStore().WithMaxConversations(2),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()

			var ids []string
			for i := 0; i < 4; i++ {
				conv := model.NewConversation()
				conv.AddUserMessage(fmt.Sprintf("question %d", i))
				conv.UpdatedAt = base.Add(time.Duration(i) * time.Second)
				require.NoError(t, store.Put(ctx, conv))
				ids = append(ids, conv.ID)
			}

			summaries, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 2, "store must not grow past the cap")
			assert.Equal(t, ids[3], summaries[0].ID)
			assert.Equal(t, ids[2], summaries[1].ID)

			// The pruned conversations are gone, not just hidden.
			for _, id := range ids[:2] {
				_, err := store.Get(ctx, id)
				assert.ErrorIs(t, err, ErrNotFound, id)
			}
		})
	}
}

func TestDeleteConversation(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := sampleConversation()
			require.NoError(t, store.Put(ctx, conv))

			require.NoError(t, store.Delete(ctx, conv.ID))
			_, err := store.Get(ctx, conv.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting an absent ID is not an error.
			assert.NoError(t, store.Delete(ctx, conv.ID))
		})
	}
}
