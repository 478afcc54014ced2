// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// =============================================================================
// REQUEST PHASE
// =============================================================================

// Phase is the lifecycle phase of a request handle.
type Phase int

const (
	PhasePending Phase = iota
	PhaseRetrying
	PhaseActive
	PhaseCancelled
	PhaseSettled
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseRetrying:
		return "retrying"
	case PhaseActive:
		return "active"
	case PhaseCancelled:
		return "cancelled"
	case PhaseSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// =============================================================================
// REQUEST HANDLE
// =============================================================================

// RequestHandle is the cancellation token for one generation request: a
// context, an attempt counter, and the current phase. At most one handle is
// active process-wide; creating a new one cancels its predecessor.
//
// Handle internals are mutated only by the Client. Collaborators hold the
// handle for Cancel and the read accessors, nothing else.
type RequestHandle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	phase   Phase
	attempt int
}

func newHandle(parent context.Context) *RequestHandle {
	ctx, cancel := context.WithCancel(parent)
	return &RequestHandle{
		id:     "req_" + uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		phase:  PhasePending,
	}
}

// ID returns the handle's identifier.
func (h *RequestHandle) ID() string {
	return h.id
}

// Phase returns the current lifecycle phase.
func (h *RequestHandle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Attempt returns the current attempt number (1-based once started).
func (h *RequestHandle) Attempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempt
}

// InProgress reports whether the handle is pending, retrying, or active.
func (h *RequestHandle) InProgress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase == PhasePending || h.phase == PhaseRetrying || h.phase == PhaseActive
}

// Cancel cooperatively aborts the request. The HTTP layer observes the
// context; already-settled handles are unaffected.
func (h *RequestHandle) Cancel() {
	h.mu.Lock()
	if h.phase != PhaseSettled {
		h.phase = PhaseCancelled
	}
	h.mu.Unlock()
	h.cancel()
}

// setPhase transitions the phase unless the handle was already cancelled.
func (h *RequestHandle) setPhase(p Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase == PhaseCancelled && p != PhaseSettled {
		return
	}
	h.phase = p
}

// nextAttempt bumps and returns the attempt counter.
func (h *RequestHandle) nextAttempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempt++
	return h.attempt
}

// settle marks the handle terminal and releases its context.
func (h *RequestHandle) settle() {
	h.mu.Lock()
	if h.phase != PhaseCancelled {
		h.phase = PhaseSettled
	}
	h.mu.Unlock()
	h.cancel()
}
