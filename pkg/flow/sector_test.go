// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
)

func sectorServer(t *testing.T, hits *atomic.Int64, uris []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(uris)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSectorFetcher_Validate(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := sectorServer(t, &hits, []string{"https://a.example.com/cb", "https://b.example.com/cb"})
	f := NewSectorFetcher(srv.Client(), time.Minute)

	client := &entities.Client{
		ID:                  "rp",
		SubjectType:         oauth.SubjectTypePairwise,
		SectorIdentifierURI: srv.URL,
		RedirectURIs:        []string{"https://a.example.com/cb"},
	}
	require.NoError(t, f.Validate(context.Background(), client))

	// Public clients and clients without a sector URI pass untouched.
	require.NoError(t, f.Validate(context.Background(), &entities.Client{
		ID:          "pub",
		SubjectType: oauth.SubjectTypePublic,
	}))
}

func TestSectorFetcher_MissingRedirectRejected(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := sectorServer(t, &hits, []string{"https://a.example.com/cb"})
	f := NewSectorFetcher(srv.Client(), time.Minute)

	client := &entities.Client{
		ID:                  "rp",
		SubjectType:         oauth.SubjectTypePairwise,
		SectorIdentifierURI: srv.URL,
		RedirectURIs:        []string{"https://a.example.com/cb", "https://c.example.com/cb"},
	}
	err := f.Validate(context.Background(), client)
	require.Error(t, err)
	oe, ok := oauth.AsError(err)
	require.True(t, ok)
	assert.Equal(t, oauth.ErrCodeInvalidRequest, oe.Code)
}

func TestSectorFetcher_CachesWithinTTL(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := sectorServer(t, &hits, []string{"https://a.example.com/cb"})
	f := NewSectorFetcher(srv.Client(), time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.Fetch(ctx, srv.URL)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, hits.Load())
}

func TestSectorFetcher_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := NewSectorFetcher(srv.Client(), time.Minute)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	// 4xx does not retry.
	assert.EqualValues(t, 1, hits.Load())
}

func TestSectorFetcher_MalformedDocument(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	t.Cleanup(srv.Close)

	f := NewSectorFetcher(srv.Client(), time.Minute)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}
