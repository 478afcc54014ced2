// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus provides the publish/subscribe event bus that decouples the
// generation engine from its UI and storage collaborators.
package bus

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/lexrun-client/internal/logging"
)

// Event is a published event: a topic plus a typed payload.
type Event struct {
	Topic   string
	Payload any
}

// Handler processes a published event. A returned error is logged by Emit
// and surfaced (first error wins) by EmitAsync; it never stops the fan-out.
type Handler func(Event) error

// =============================================================================
// SUBSCRIBE OPTIONS
// =============================================================================

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithOnce removes the subscriber after its first invocation.
func WithOnce() SubscribeOption {
	return func(s *subscriber) { s.once = true }
}

// WithPriority orders invocation: higher priority runs first.
// Ties are broken by registration order.
func WithPriority(p int) SubscribeOption {
	return func(s *subscriber) { s.priority = p }
}

type subscriber struct {
	handler  Handler
	priority int
	once     bool
	seq      uint64

	// pattern is non-nil for wildcard subscriptions, precompiled at
	// subscribe time rather than per emit.
	pattern *regexp.Regexp
}

// =============================================================================
// BUS
// =============================================================================

// Bus is a topic-based publish/subscribe dispatcher.
//
// Topics are plain strings. A topic containing "*" subscribes by glob-style
// matching anchored at both ends: "chat:*" matches "chat:sendMessage" but
// not "chatx:y" because the literal prefix must match exactly.
type Bus struct {
	mu        sync.Mutex
	exact     map[string][]*subscriber
	wildcards []*subscriber
	nextSeq   uint64
	log       logging.Logger
}

// New creates a new event bus.
func New(log logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		exact: make(map[string][]*subscriber),
		log:   log,
	}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function. Safe to call the returned function more than once.
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) func() {
	sub := &subscriber{handler: handler}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	sub.seq = b.nextSeq
	b.nextSeq++

	if strings.Contains(topic, "*") {
		sub.pattern = compileWildcard(topic)
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[topic] = append(b.exact[topic], sub)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(topic, sub)
	}
}

// Emit publishes an event to all matching subscribers. Exact-topic
// subscribers run first (descending priority, then registration order),
// then matching wildcard subscribers the same way. A failing handler is
// logged and does not prevent remaining handlers from running.
func (b *Bus) Emit(topic string, payload any) {
	for _, sub := range b.collect(topic) {
		if err := b.invoke(sub, Event{Topic: topic, Payload: payload}); err != nil {
			b.log.Warnf("bus: handler for %q failed: %v", topic, err)
		}
	}
}

// EmitAsync publishes like Emit but reports handler outcomes: every matching
// handler is invoked in order regardless of earlier failures, and the first
// error observed is returned after all handlers have run.
func (b *Bus) EmitAsync(topic string, payload any) error {
	var firstErr error
	for _, sub := range b.collect(topic) {
		if err := b.invoke(sub, Event{Topic: topic, Payload: payload}); err != nil {
			b.log.Warnf("bus: handler for %q failed: %v", topic, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// =============================================================================
// DISPATCH
// =============================================================================

// collect snapshots the matching subscribers in invocation order and removes
// once-subscribers before any handler runs, so a reentrant emit cannot fire
// them twice.
func (b *Bus) collect(topic string) []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	matched := make([]*subscriber, 0, len(b.exact[topic]))
	matched = append(matched, sortedCopy(b.exact[topic])...)

	var wild []*subscriber
	for _, sub := range b.wildcards {
		if sub.pattern.MatchString(topic) {
			wild = append(wild, sub)
		}
	}
	matched = append(matched, sortedCopy(wild)...)

	for _, sub := range matched {
		if sub.once {
			b.removeLocked(topic, sub)
		}
	}
	return matched
}

// invoke runs a single handler, converting a panic into an error so one bad
// subscriber cannot take down the emit loop.
func (b *Bus) invoke(sub *subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Topic: ev.Topic, Value: r}
		}
	}()
	return sub.handler(ev)
}

// removeLocked removes sub from whichever list holds it. Wildcard
// subscribers are removed from the pattern list, not a concrete topic.
func (b *Bus) removeLocked(topic string, sub *subscriber) {
	if sub.pattern != nil {
		b.wildcards = removeSub(b.wildcards, sub)
		return
	}
	b.exact[topic] = removeSub(b.exact[topic], sub)
	if len(b.exact[topic]) == 0 {
		delete(b.exact, topic)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// compileWildcard converts a glob-style topic pattern into an anchored
// regexp where "*" matches any substring.
func compileWildcard(topic string) *regexp.Regexp {
	parts := strings.Split(topic, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// sortedCopy returns subs ordered by descending priority, registration
// order for ties.
func sortedCopy(subs []*subscriber) []*subscriber {
	out := make([]*subscriber, len(subs))
	copy(out, subs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func removeSub(subs []*subscriber, target *subscriber) []*subscriber {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// PanicError wraps a panic recovered from a subscriber handler.
type PanicError struct {
	Topic string
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return "bus: handler panic on topic " + e.Topic
}
