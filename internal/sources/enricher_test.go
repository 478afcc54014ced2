// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/lexrun-client/internal/model"
)

func TestEnrichResolvesTitles(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/titles/acme-v-doe":
			fmt.Fprint(w, `{"title":"Acme v. Doe"}`)
		case "/titles/343":
			fmt.Fprint(w, `{"title":"§343 BGB"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewEnricher(srv.URL, nil)
	got := e.Enrich(context.Background(), []model.Source{
		{URL: "https://law.example/cases/acme-v-doe"},
		{URL: "https://law.example/statutes/343"},
		{URL: "https://law.example/unknown/missing"},
		{URL: "https://law.example/cases/other", Title: "Already set"},
	})

	require.Len(t, got, 4)
	assert.Equal(t, "Acme v. Doe", got[0].Title)
	assert.Equal(t, "§343 BGB", got[1].Title)
	assert.Empty(t, got[2].Title, "failed lookup leaves the source untouched")
	assert.Equal(t, "Already set", got[3].Title, "existing titles are not re-resolved")
	assert.Equal(t, int32(3), hits.Load(), "pre-titled sources must not hit the service")
}

func TestEnrichCachesLookups(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"title":"Cached"}`)
	}))
	defer srv.Close()

	e := NewEnricher(srv.URL, nil)
	src := []model.Source{{URL: "https://law.example/cases/repeat"}}

	first := e.Enrich(context.Background(), src)
	second := e.Enrich(context.Background(), src)

	assert.Equal(t, "Cached", first[0].Title)
	assert.Equal(t, "Cached", second[0].Title)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSourceID(t *testing.T) {
	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://law.example/cases/acme-v-doe", "acme-v-doe", false},
		{"https://law.example/statutes/343/", "343", false},
		{"https://law.example/", "", true},
		{"://bad", "", true},
	}

	for _, tc := range cases {
		got, err := sourceID(tc.url)
		if tc.wantErr {
			assert.Error(t, err, tc.url)
			continue
		}
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.want, got, tc.url)
	}
}
