// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/lexrun-client/internal/logging"
	"github.com/jeranaias/lexrun-client/internal/model"
)

const (
	// maxTitleBody limits how much of a title response is read.
	maxTitleBody = 64 * 1024

	// lookupTimeout bounds a single title lookup.
	lookupTimeout = 10 * time.Second
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
var sharedTitleClient = &http.Client{
	Timeout: lookupTimeout,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

// titleResponse is the titles service response body.
type titleResponse struct {
	Title string `json:"title"`
}

// =============================================================================
// ENRICHER
// =============================================================================

// Enricher resolves display titles for cited source URLs against the
// titles service. Lookups are cached per URL; failures are logged and the
// source keeps its bare URL.
type Enricher struct {
	endpoint   string
	httpClient *http.Client
	log        logging.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewEnricher creates an enricher against the given titles service base URL.
func NewEnricher(endpoint string, log logging.Logger) *Enricher {
	if log == nil {
		log = logging.Nop()
	}
	return &Enricher{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: sharedTitleClient,
		log:        log,
		cache:      make(map[string]string),
	}
}

// WithHTTPClient overrides the HTTP client (tests).
func (e *Enricher) WithHTTPClient(hc *http.Client) *Enricher {
	e.httpClient = hc
	return e
}

// Enrich returns the sources with titles filled in where the titles
// service resolves them. Sources that already carry a title, or whose
// lookup fails, pass through unchanged.
func (e *Enricher) Enrich(ctx context.Context, sources []model.Source) []model.Source {
	out := make([]model.Source, len(sources))
	for i, src := range sources {
		out[i] = src
		if src.Title != "" || src.URL == "" {
			continue
		}
		title, err := e.lookup(ctx, src.URL)
		if err != nil {
			e.log.Warnf("sources: title lookup for %s failed: %v", src.URL, err)
			continue
		}
		out[i].Title = title
	}
	return out
}

// lookup resolves one URL's title, consulting the cache first.
func (e *Enricher) lookup(ctx context.Context, rawURL string) (string, error) {
	e.mu.Lock()
	if title, ok := e.cache[rawURL]; ok {
		e.mu.Unlock()
		return title, nil
	}
	e.mu.Unlock()

	id, err := sourceID(rawURL)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/titles/"+url.PathEscape(id), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("titles service returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTitleBody))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var tr titleResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if tr.Title == "" {
		return "", fmt.Errorf("titles service returned no title")
	}

	e.mu.Lock()
	e.cache[rawURL] = tr.Title
	e.mu.Unlock()
	return tr.Title, nil
}

// sourceID extracts the lookup identifier from a source URL: its last
// non-empty path segment.
func sourceID(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid source URL: %w", err)
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", fmt.Errorf("source URL %q has no path", rawURL)
	}
	segments := strings.Split(path, "/")
	return segments[len(segments)-1], nil
}
