// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/lexrun-client/internal/api"
	"github.com/jeranaias/lexrun-client/internal/bus"
	"github.com/jeranaias/lexrun-client/internal/events"
	"github.com/jeranaias/lexrun-client/internal/logging"
	"github.com/jeranaias/lexrun-client/internal/model"
	"github.com/jeranaias/lexrun-client/internal/protocol"
	"github.com/jeranaias/lexrun-client/internal/storage"
)

// DefaultRevealInterval is the pacing between revealed characters.
const DefaultRevealInterval = 10 * time.Millisecond

// FailureNotice replaces any partial answer when a generation fails.
const FailureNotice = "An error occurred while generating the response. Please try again."

// abortSuffix is appended to whatever was revealed before an abort.
const abortSuffix = " [aborted]"

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// Stream is the chunk sequence of one send.
type Stream interface {
	Chunks() <-chan protocol.Chunk
	Err() error
}

// Sender issues generation requests. Implemented by the api client.
type Sender interface {
	SendMessage(ctx context.Context, text, conversationID string) Stream
	AbortCurrentRequest()
}

// Enricher resolves display titles for cited sources.
type Enricher interface {
	Enrich(ctx context.Context, sources []model.Source) []model.Source
}

// clientSender adapts *api.Client to the Sender interface.
type clientSender struct {
	client *api.Client
}

// NewClientSender wraps an api client as a Sender.
func NewClientSender(client *api.Client) Sender {
	return clientSender{client: client}
}

func (s clientSender) SendMessage(ctx context.Context, text, conversationID string) Stream {
	return s.client.SendMessage(ctx, text, conversationID)
}

func (s clientSender) AbortCurrentRequest() {
	s.client.AbortCurrentRequest()
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator drives the generation lifecycle: it turns a user message
// into a request, consumes the resulting chunk stream, reveals content
// incrementally, and settles the conversation into storage.
//
// All state changes go through setState; the transition table in state.go
// is the single authority on what is legal.
type Orchestrator struct {
	sender   Sender
	store    storage.Store
	bus      *bus.Bus
	enricher Enricher
	log      logging.Logger

	revealInterval time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	conv    *model.Conversation
	reply   *model.Message
	pending []rune
	busy    bool
	limiter *rate.Limiter

	genCtx    context.Context
	genCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewOrchestrator creates an orchestrator in the idle state.
func NewOrchestrator(sender Sender, store storage.Store, b *bus.Bus, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	o := &Orchestrator{
		sender:         sender,
		store:          store,
		bus:            b,
		log:            log,
		revealInterval: DefaultRevealInterval,
		state:          StateIdle,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// WithEnricher sets the source title enricher.
func (o *Orchestrator) WithEnricher(e Enricher) *Orchestrator {
	o.enricher = e
	return o
}

// WithRevealInterval sets the pacing between revealed characters.
// Zero or negative disables pacing.
func (o *Orchestrator) WithRevealInterval(d time.Duration) *Orchestrator {
	o.revealInterval = d
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Conversation returns the active conversation, creating one if needed.
func (o *Orchestrator) Conversation() *model.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conv == nil {
		o.conv = model.NewConversation()
	}
	return o.conv
}

// NewConversation abandons the active conversation and starts a fresh one.
// No-op while a generation is running.
func (o *Orchestrator) NewConversation() *model.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateGenerating {
		o.log.Warnf("generation: cannot switch conversations while generating")
		return o.conv
	}
	o.conv = model.NewConversation()
	return o.conv
}

// LoadConversation replaces the active conversation with a stored one.
// No-op while a generation is running.
func (o *Orchestrator) LoadConversation(ctx context.Context, id string) error {
	o.mu.Lock()
	if o.state == StateGenerating {
		o.mu.Unlock()
		return errors.New("cannot switch conversations while generating")
	}
	o.mu.Unlock()

	conv, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.conv = conv
	o.mu.Unlock()
	return nil
}

// Wait blocks until the in-flight generation, if any, has settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// =============================================================================
// SEND / STOP
// =============================================================================

// Send submits a user message and starts a generation. A send while a
// generation is already running is a logged no-op.
func (o *Orchestrator) Send(ctx context.Context, text string) {
	o.mu.Lock()

	if o.state == StateGenerating {
		o.log.Warnf("generation: send ignored, generation already in progress")
		o.mu.Unlock()
		return
	}
	if err := o.setStateLocked(StateGenerating); err != nil {
		o.log.Errorf("generation: %v", err)
		o.mu.Unlock()
		return
	}

	if o.conv == nil {
		o.conv = model.NewConversation()
	}
	conv := o.conv
	conv.AddUserMessage(text)
	reply := conv.AddAssistantMessage()

	o.reply = reply
	o.pending = nil
	o.limiter = rate.NewLimiter(o.revealLimit(), 1)
	o.genCtx, o.genCancel = context.WithCancel(ctx)
	genCtx := o.genCtx
	o.mu.Unlock()

	o.bus.Emit(events.TopicGenerationStarted, events.GenerationStarted{
		ConversationID: conv.ID,
		MessageID:      reply.ID,
	})

	stream := o.sender.SendMessage(genCtx, text, conv.ID)

	o.wg.Add(1)
	go o.consume(stream, conv, reply)
}

// Stop aborts the running generation. No-op when idle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	running := o.state == StateGenerating
	o.mu.Unlock()
	if !running {
		return
	}
	o.sender.AbortCurrentRequest()
}

func (o *Orchestrator) revealLimit() rate.Limit {
	if o.revealInterval <= 0 {
		return rate.Inf
	}
	return rate.Every(o.revealInterval)
}

// =============================================================================
// STREAM CONSUMPTION
// =============================================================================

// consume applies the chunk sequence of one send and settles the result.
func (o *Orchestrator) consume(stream Stream, conv *model.Conversation, reply *model.Message) {
	defer o.wg.Done()

	for chunk := range stream.Chunks() {
		switch chunk.Kind {
		case protocol.ChunkContent:
			o.enqueue(chunk.Text)
		case protocol.ChunkSources:
			o.attachSources(conv, reply, chunk.Sources)
		case protocol.ChunkMetadata:
			o.mu.Lock()
			conv.MergeMetadata(chunk.Metadata)
			o.mu.Unlock()
		case protocol.ChunkDone:
			o.flushPending()
		}
	}

	switch err := stream.Err(); {
	case err == nil:
		o.settleCompleted(conv, reply)
	case errors.Is(err, api.ErrCancelled):
		o.settleAborted(conv, reply)
	default:
		o.settleFailed(conv, reply, err)
	}
}

// attachSources appends newly cited sources and kicks off title enrichment.
func (o *Orchestrator) attachSources(conv *model.Conversation, reply *model.Message, sources []model.Source) {
	if len(sources) == 0 {
		return
	}

	o.mu.Lock()
	reply.Sources = append(reply.Sources, sources...)
	genCtx := o.genCtx
	o.mu.Unlock()

	o.bus.Emit(events.TopicSourcesAttached, events.SourcesAttached{
		MessageID: reply.ID,
		Sources:   sources,
	})

	if o.enricher == nil {
		return
	}

	// RELIABILITY: Enrichment is best-effort and must not block the stream.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		enriched := o.enricher.Enrich(genCtx, sources)

		o.mu.Lock()
		titled := make(map[string]string, len(enriched))
		for _, src := range enriched {
			if src.Title != "" {
				titled[src.URL] = src.Title
			}
		}
		for i, src := range reply.Sources {
			if title, ok := titled[src.URL]; ok && src.Title == "" {
				reply.Sources[i].Title = title
			}
		}
		o.mu.Unlock()

		o.bus.Emit(events.TopicSourcesAttached, events.SourcesAttached{
			MessageID: reply.ID,
			Sources:   enriched,
		})
	}()
}

// =============================================================================
// INCREMENTAL REVEAL
// =============================================================================

// enqueue adds text to the reveal queue and wakes the drainer.
func (o *Orchestrator) enqueue(text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	o.pending = append(o.pending, []rune(text)...)
	if !o.busy {
		o.busy = true
		o.wg.Add(1)
		go o.drain()
	}
	o.mu.Unlock()
}

// drain reveals queued runes one at a time, paced by the limiter. Exits
// when the queue empties or the generation context is cancelled.
func (o *Orchestrator) drain() {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.busy = false
			o.cond.Broadcast()
			o.mu.Unlock()
			return
		}
		r := o.pending[0]
		o.pending = o.pending[1:]
		reply := o.reply
		limiter := o.limiter
		ctx := o.genCtx
		o.mu.Unlock()

		if err := limiter.Wait(ctx); err != nil {
			o.mu.Lock()
			o.busy = false
			o.cond.Broadcast()
			o.mu.Unlock()
			return
		}

		o.mu.Lock()
		reply.AppendText(string(r))
		content := reply.DisplayContent()
		o.mu.Unlock()

		o.bus.Emit(events.TopicMessageUpdated, events.MessageUpdated{
			MessageID: reply.ID,
			Content:   content,
		})
	}
}

// flushPending reveals everything still queued, without pacing, and waits
// for the drainer to finish. Called when the done sentinel arrives.
func (o *Orchestrator) flushPending() {
	o.mu.Lock()
	if o.limiter != nil {
		o.limiter.SetLimit(rate.Inf)
	}
	for o.busy {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// dropPending discards unrevealed text and stops the drainer.
func (o *Orchestrator) dropPending() {
	o.mu.Lock()
	o.pending = nil
	if o.genCancel != nil {
		o.genCancel()
	}
	for o.busy {
		o.cond.Wait()
	}
	o.mu.Unlock()
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func (o *Orchestrator) settleCompleted(conv *model.Conversation, reply *model.Message) {
	o.flushPending()

	o.mu.Lock()
	reply.FinalizeStream()
	content := reply.Content
	o.mu.Unlock()

	o.bus.Emit(events.TopicMessageUpdated, events.MessageUpdated{
		MessageID: reply.ID,
		Content:   content,
	})

	o.settle(conv, reply, StateCompleted)
}

func (o *Orchestrator) settleAborted(conv *model.Conversation, reply *model.Message) {
	o.dropPending()

	o.mu.Lock()
	reply.AppendText(abortSuffix)
	reply.FinalizeStream()
	content := reply.Content
	o.mu.Unlock()

	o.bus.Emit(events.TopicMessageUpdated, events.MessageUpdated{
		MessageID: reply.ID,
		Content:   content,
	})

	o.settle(conv, reply, StateAborted)
}

func (o *Orchestrator) settleFailed(conv *model.Conversation, reply *model.Message, cause error) {
	o.dropPending()
	o.log.Errorf("generation: request failed: %v", cause)

	o.mu.Lock()
	reply.ReplaceContent(FailureNotice)
	reply.FinalizeStream()
	content := reply.Content
	o.mu.Unlock()

	o.bus.Emit(events.TopicGenerationError, events.GenerationError{
		ConversationID: conv.ID,
		Err:            cause,
	})
	o.bus.Emit(events.TopicMessageUpdated, events.MessageUpdated{
		MessageID: reply.ID,
		Content:   content,
	})

	o.settle(conv, reply, StateFailed)
}

// settle records the terminal state, persists the conversation, announces
// the stop, and returns to idle.
func (o *Orchestrator) settle(conv *model.Conversation, reply *model.Message, terminal State) {
	o.setState(terminal)

	// Storage failures are logged, never surfaced into the conversation.
	if err := o.store.Put(context.Background(), conv); err != nil {
		o.log.Errorf("generation: failed to persist conversation %s: %v", conv.ID, err)
	}

	o.bus.Emit(events.TopicGenerationStopped, events.GenerationStopped{
		ConversationID: conv.ID,
		MessageID:      reply.ID,
		State:          terminal.String(),
	})

	o.mu.Lock()
	if o.genCancel != nil {
		o.genCancel()
	}
	o.reply = nil
	o.mu.Unlock()

	o.setState(StateIdle)
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.setStateLocked(to); err != nil {
		o.log.Errorf("generation: %v", err)
	}
}

func (o *Orchestrator) setStateLocked(to State) error {
	if !canTransition(o.state, to) {
		return &InvalidTransitionError{From: o.state, To: to}
	}
	o.log.Debugf("generation: state %s -> %s", o.state, to)
	o.state = to
	return nil
}
