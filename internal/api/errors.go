// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error variables for the request lifecycle.
var (
	// ErrCancelled indicates the request was aborted by the user or
	// superseded by a newer send. Never retried.
	ErrCancelled = errors.New("request cancelled")

	// ErrRetriesExhausted indicates the final retry attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// APIError represents an HTTP error response from the backend.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
}

// apiErrorResponse is the backend's error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseAPIError converts an HTTP error response into an APIError.
func parseAPIError(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{
			Code:    apiErr.Error.Code,
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}
	}
	return &APIError{
		Message: string(body),
		Status:  statusCode,
	}
}

// isCancellation reports whether err is a cancellation rather than a
// transport or server failure.
func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// isRetryable determines if an error should trigger another attempt.
// Cancellation is never retried; client errors (4xx) are permanent.
func isRetryable(err error) bool {
	if isCancellation(err) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return false
		}
		return apiErr.Status >= http.StatusInternalServerError
	}

	// Transport errors are retryable.
	return true
}
