// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/lexrun-client/internal/api"
	"github.com/jeranaias/lexrun-client/internal/bus"
	"github.com/jeranaias/lexrun-client/internal/events"
	"github.com/jeranaias/lexrun-client/internal/model"
	"github.com/jeranaias/lexrun-client/internal/protocol"
	"github.com/jeranaias/lexrun-client/internal/storage"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeStream is a hand-driven chunk sequence.
type fakeStream struct {
	ch   chan protocol.Chunk
	once sync.Once

	mu  sync.Mutex
	err error
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan protocol.Chunk, 16)}
}

func (s *fakeStream) Chunks() <-chan protocol.Chunk { return s.ch }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) emit(c protocol.Chunk) { s.ch <- c }

func (s *fakeStream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// fakeSender hands out prepared streams and honors aborts.
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	current *fakeStream
}

func (f *fakeSender) SendMessage(ctx context.Context, text, conversationID string) Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.current = newFakeStream()
	return f.current
}

func (f *fakeSender) AbortCurrentRequest() {
	f.mu.Lock()
	current := f.current
	f.mu.Unlock()
	if current != nil {
		current.finish(api.ErrCancelled)
	}
}

func (f *fakeSender) stream() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// eventRecorder captures bus traffic for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(e bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) byTopic(topic string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeSender, *storage.MemoryStore, *eventRecorder) {
	t.Helper()

	sender := &fakeSender{}
	store := storage.NewMemoryStore()
	b := bus.New(nil)
	rec := &eventRecorder{}
	b.Subscribe("generation:*", rec.record)
	b.Subscribe("message:*", rec.record)
	b.Subscribe("error:*", rec.record)

	o := NewOrchestrator(sender, store, b, nil).WithRevealInterval(0)
	return o, sender, store, rec
}

// =============================================================================
// TESTS
// =============================================================================

func TestSendRevealsContentInOrder(t *testing.T) {
	o, sender, store, rec := newTestOrchestrator(t)

	o.Send(context.Background(), "What does §343 say?")
	stream := sender.stream()
	require.NotNil(t, stream)

	stream.emit(protocol.ContentChunk("Hello"))
	stream.emit(protocol.ContentChunk(" world"))
	stream.emit(protocol.DoneChunk())
	stream.finish(nil)
	o.Wait()

	assert.Equal(t, StateIdle, o.State())

	conv := o.Conversation()
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Hello world", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].IsStreaming)

	// Reveal emits monotonically growing prefixes of the final answer.
	updates := rec.byTopic(events.TopicMessageUpdated)
	require.NotEmpty(t, updates)
	prev := ""
	for _, e := range updates {
		content := e.Payload.(events.MessageUpdated).Content
		assert.True(t, len(content) >= len(prev), "content must never shrink")
		assert.Equal(t, prev, content[:len(prev)])
		prev = content
	}
	assert.Equal(t, "Hello world", prev)

	stopped := rec.byTopic(events.TopicGenerationStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "completed", stopped[0].Payload.(events.GenerationStopped).State)

	saved, err := store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Messages, 2)
}

func TestSendWhileGeneratingIsNoOp(t *testing.T) {
	o, sender, _, _ := newTestOrchestrator(t)

	o.Send(context.Background(), "first")
	require.Equal(t, StateGenerating, o.State())

	o.Send(context.Background(), "second")
	assert.Equal(t, 1, sender.callCount(), "second send must not reach the network")
	assert.Len(t, o.Conversation().Messages, 2, "second send must not touch the transcript")

	sender.stream().finish(nil)
	o.Wait()
	assert.Equal(t, StateIdle, o.State())
}

func TestStopAppendsAbortMarker(t *testing.T) {
	o, sender, _, rec := newTestOrchestrator(t)

	revealed := make(chan struct{}, 1)
	b := o.bus
	b.Subscribe(events.TopicMessageUpdated, func(e bus.Event) error {
		if e.Payload.(events.MessageUpdated).Content == "partial" {
			select {
			case revealed <- struct{}{}:
			default:
			}
		}
		return nil
	})

	o.Send(context.Background(), "question")
	sender.stream().emit(protocol.ContentChunk("partial"))

	select {
	case <-revealed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reveal")
	}

	o.Stop()
	o.Wait()

	conv := o.Conversation()
	assert.Equal(t, "partial [aborted]", conv.Messages[1].Content)
	assert.Equal(t, StateIdle, o.State())

	stopped := rec.byTopic(events.TopicGenerationStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "aborted", stopped[0].Payload.(events.GenerationStopped).State)
}

func TestFailureReplacesContentWithNotice(t *testing.T) {
	o, sender, store, rec := newTestOrchestrator(t)

	o.Send(context.Background(), "question")
	stream := sender.stream()
	stream.emit(protocol.ContentChunk("half an ans"))
	stream.finish(errors.New("connection reset"))
	o.Wait()

	conv := o.Conversation()
	assert.Equal(t, FailureNotice, conv.Messages[1].Content)
	assert.Equal(t, StateIdle, o.State())

	errs := rec.byTopic(events.TopicGenerationError)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0].Payload.(events.GenerationError).Err, "connection reset")

	stopped := rec.byTopic(events.TopicGenerationStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, "failed", stopped[0].Payload.(events.GenerationStopped).State)

	// The notice, not the partial answer, is what gets persisted.
	saved, err := store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, FailureNotice, saved.Messages[1].Content)
}

func TestMetadataMergesIntoConversation(t *testing.T) {
	o, sender, _, _ := newTestOrchestrator(t)

	o.Send(context.Background(), "question")
	stream := sender.stream()
	stream.emit(protocol.MetadataChunk(map[string]any{"language": "de"}))
	stream.emit(protocol.MetadataChunk(map[string]any{"jurisdiction": "DE"}))
	stream.emit(protocol.DoneChunk())
	stream.finish(nil)
	o.Wait()

	conv := o.Conversation()
	assert.Equal(t, "de", conv.Metadata["language"])
	assert.Equal(t, "DE", conv.Metadata["jurisdiction"])
}

// staticEnricher resolves every URL to a fixed title.
type staticEnricher struct {
	title string
}

func (e *staticEnricher) Enrich(_ context.Context, sources []model.Source) []model.Source {
	out := make([]model.Source, len(sources))
	for i, src := range sources {
		out[i] = model.Source{URL: src.URL, Title: e.title}
	}
	return out
}

func TestSourcesAttachedAndEnriched(t *testing.T) {
	o, sender, _, rec := newTestOrchestrator(t)
	o.WithEnricher(&staticEnricher{title: "Acme v. Doe"})

	o.Send(context.Background(), "question")
	stream := sender.stream()
	stream.emit(protocol.SourcesChunk([]model.Source{{URL: "https://law.example/cases/acme-v-doe"}}))
	stream.emit(protocol.DoneChunk())
	stream.finish(nil)
	o.Wait()

	conv := o.Conversation()
	require.Len(t, conv.Messages[1].Sources, 1)
	assert.Equal(t, "Acme v. Doe", conv.Messages[1].Sources[0].Title)

	// Once for the raw attachment, once after enrichment resolves.
	attached := rec.byTopic(events.TopicSourcesAttached)
	require.Len(t, attached, 2)
	assert.Empty(t, attached[0].Payload.(events.SourcesAttached).Sources[0].Title)
	assert.Equal(t, "Acme v. Doe", attached[1].Payload.(events.SourcesAttached).Sources[0].Title)
}

func TestNewConversationBlockedWhileGenerating(t *testing.T) {
	o, sender, _, _ := newTestOrchestrator(t)

	first := o.Conversation()
	o.Send(context.Background(), "question")

	same := o.NewConversation()
	assert.Equal(t, first.ID, same.ID, "conversation must not change mid-generation")

	sender.stream().finish(nil)
	o.Wait()

	fresh := o.NewConversation()
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateGenerating))
	assert.True(t, canTransition(StateGenerating, StateAborted))
	assert.True(t, canTransition(StateFailed, StateIdle))

	assert.False(t, canTransition(StateIdle, StateCompleted))
	assert.False(t, canTransition(StateCompleted, StateGenerating))
	assert.False(t, canTransition(StateGenerating, StateIdle))
}
