// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api manages the lifecycle of conversation requests against the
// lexrun backend: single-flight enforcement, cooperative cancellation, and
// bounded retry with linear backoff. Sending while a request is in flight
// always cancels the predecessor first; at most one network generation
// exists process-wide.
package api
