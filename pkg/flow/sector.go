// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/authserver/pkg/entities"
	"github.com/stacklok/authserver/pkg/oauth"
)

const (
	// defaultSectorTTL memoizes sector documents briefly so registration
	// bursts do not hammer the relying party.
	defaultSectorTTL     = 5 * time.Minute
	defaultSectorTimeout = 10 * time.Second
	maxSectorDocumentLen = 1 << 20
	sectorFetchTries     = 3
)

// SectorFetcher retrieves and caches sector_identifier_uri documents: JSON
// arrays of redirect URIs a pairwise client claims. Concurrent fetches of one
// URL collapse into a single request; transient failures retry with
// exponential backoff.
type SectorFetcher struct {
	httpClient *http.Client
	ttl        time.Duration

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]sectorEntry
}

type sectorEntry struct {
	uris      []string
	fetchedAt time.Time
}

// NewSectorFetcher creates the fetcher. A nil httpClient uses a client with
// the default sector timeout; a zero ttl takes the default.
func NewSectorFetcher(httpClient *http.Client, ttl time.Duration) *SectorFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultSectorTimeout}
	}
	if ttl <= 0 {
		ttl = defaultSectorTTL
	}
	return &SectorFetcher{
		httpClient: httpClient,
		ttl:        ttl,
		cache:      make(map[string]sectorEntry),
	}
}

// Validate enforces the pairwise registration invariant: when a client
// registers subject_type=pairwise with a sector_identifier_uri, the document
// behind it must list every redirect URI the client registers.
func (f *SectorFetcher) Validate(ctx context.Context, client *entities.Client) error {
	if client.SubjectType != oauth.SubjectTypePairwise || client.SectorIdentifierURI == "" {
		return nil
	}
	uris, err := f.Fetch(ctx, client.SectorIdentifierURI)
	if err != nil {
		return oauth.InvalidRequest("The sector identifier document could not be retrieved.")
	}
	set := make(map[string]struct{}, len(uris))
	for _, u := range uris {
		set[u] = struct{}{}
	}
	for _, ru := range client.RedirectURIs {
		if _, ok := set[ru]; !ok {
			return oauth.InvalidRequest("The redirect URI %q is not listed in the sector identifier document.", ru)
		}
	}
	return nil
}

// Fetch returns the redirect URI list behind a sector identifier URL, served
// from the cache within its TTL.
func (f *SectorFetcher) Fetch(ctx context.Context, rawURL string) ([]string, error) {
	f.mu.Lock()
	if entry, ok := f.cache[rawURL]; ok && time.Since(entry.fetchedAt) < f.ttl {
		uris := entry.uris
		f.mu.Unlock()
		return uris, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(rawURL, func() (any, error) {
		uris, err := f.fetchWithRetry(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[rawURL] = sectorEntry{uris: uris, fetchedAt: time.Now()}
		f.mu.Unlock()
		return uris, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (f *SectorFetcher) fetchWithRetry(ctx context.Context, rawURL string) ([]string, error) {
	return backoff.Retry(ctx, func() ([]string, error) {
		return f.fetchOnce(ctx, rawURL)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(sectorFetchTries))
}

func (f *SectorFetcher) fetchOnce(ctx context.Context, rawURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("sector identifier fetch returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSectorDocumentLen))
	if err != nil {
		return nil, err
	}
	var uris []string
	if err := json.Unmarshal(body, &uris); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("sector identifier document is not a JSON array of strings: %w", err))
	}
	return uris, nil
}
