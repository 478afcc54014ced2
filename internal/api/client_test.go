// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/lexrun-client/internal/protocol"
)

// sseHandler writes the given frames as event-stream lines and ends with
// the done sentinel.
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n", f)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n")
	}
}

// drainStream collects all chunks until the channel closes.
func drainStream(s *Stream) []protocol.Chunk {
	var chunks []protocol.Chunk
	for c := range s.Chunks() {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestSendMessageStreamsInOrder(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"content":"The "}`,
		`{"content":"statute "}`,
		`{"content":"provides..."}`,
	))
	defer srv.Close()

	client := NewClient(srv.URL, nil).WithRetryDelay(0)
	stream := client.SendMessage(context.Background(), "What does §343 say?", "conv_1")

	chunks := drainStream(stream)
	require.NoError(t, stream.Err())
	require.Len(t, chunks, 4)
	assert.Equal(t, "The ", chunks[0].Text)
	assert.Equal(t, "statute ", chunks[1].Text)
	assert.Equal(t, "provides...", chunks[2].Text)
	assert.Equal(t, protocol.ChunkDone, chunks[3].Kind)
	assert.False(t, client.IsRequestInProgress())
}

func TestSendMessageRetriesExhaustedOn503(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"code":"overloaded","message":"try later"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil).WithRetryAttempts(3).WithRetryDelay(0)
	stream := client.SendMessage(context.Background(), "hello", "conv_1")

	chunks := drainStream(stream)
	assert.Empty(t, chunks)
	require.ErrorIs(t, stream.Err(), ErrRetriesExhausted)
	assert.Equal(t, int32(3), hits.Load(), "503 must consume the full attempt budget")
	assert.Equal(t, 3, stream.Attempts())
}

func TestSendMessageClientErrorFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"code":"bad_request","message":"missing field"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil).WithRetryAttempts(3).WithRetryDelay(0)
	stream := client.SendMessage(context.Background(), "hello", "conv_1")

	drainStream(stream)
	var apiErr *APIError
	require.ErrorAs(t, stream.Err(), &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "bad_request", apiErr.Code)
	assert.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
}

func TestSendMessageRecoversAfterTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		sseHandler(`{"content":"recovered"}`)(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil).WithRetryAttempts(3).WithRetryDelay(0)
	stream := client.SendMessage(context.Background(), "hello", "conv_1")

	chunks := drainStream(stream)
	require.NoError(t, stream.Err())
	require.Len(t, chunks, 2)
	assert.Equal(t, "recovered", chunks[0].Text)
	assert.Equal(t, 3, stream.Attempts())
}

func TestAbortCurrentRequestMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"partial\"}\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil).WithRetryDelay(0)
	stream := client.SendMessage(context.Background(), "hello", "conv_1")

	first, ok := <-stream.Chunks()
	require.True(t, ok)
	assert.Equal(t, "partial", first.Text)

	client.AbortCurrentRequest()

	drainStream(stream)
	require.ErrorIs(t, stream.Err(), ErrCancelled)
	assert.False(t, client.IsRequestInProgress())
}

func TestSendMessageSupersedesPrevious(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"content\":\"stale\"}\n")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		sseHandler(`{"content":"fresh"}`)(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil).WithRetryDelay(0)

	first := client.SendMessage(context.Background(), "first", "conv_1")
	chunk, ok := <-first.Chunks()
	require.True(t, ok)
	assert.Equal(t, "stale", chunk.Text)

	second := client.SendMessage(context.Background(), "second", "conv_1")

	drainStream(first)
	require.ErrorIs(t, first.Err(), ErrCancelled, "older request must lose to the newer one")

	chunks := drainStream(second)
	require.NoError(t, second.Err())
	require.Len(t, chunks, 2)
	assert.Equal(t, "fresh", chunks[0].Text)
}

func TestCancelledBeforeDispatchIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(srv.URL, nil).WithRetryAttempts(3).WithRetryDelay(time.Hour)
	stream := client.SendMessage(ctx, "hello", "conv_1")

	drainStream(stream)
	require.ErrorIs(t, stream.Err(), ErrCancelled)
	assert.Equal(t, int32(0), hits.Load())
}
