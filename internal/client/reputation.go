package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/mbd888/assured/internal/reputation"
)

// HTTPReputation reads provider reputation from a server's public registry
// view. Lookups are cached for the lifetime of one Score/P95 pair.
type HTTPReputation struct {
	BaseURL    string
	HTTPClient *http.Client
	TTL        time.Duration // defaults to 2s

	mu    sync.Mutex
	cache map[string]cachedStats
}

type cachedStats struct {
	stats   reputation.Stats
	found   bool
	fetched time.Time
}

type reputationResponse struct {
	Reputation reputation.Stats `json:"reputation"`
	Found      bool             `json:"found"`
}

// Lookup fetches the stats for serviceID.
func (h *HTTPReputation) Lookup(ctx context.Context, serviceID string) (reputation.Stats, bool, error) {
	ttl := h.TTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	h.mu.Lock()
	if c, ok := h.cache[serviceID]; ok && time.Since(c.fetched) < ttl {
		h.mu.Unlock()
		return c.stats, c.found, nil
	}
	h.mu.Unlock()

	u, err := url.JoinPath(h.BaseURL, "/v1/services", url.PathEscape(serviceID), "reputation")
	if err != nil {
		return reputation.Stats{}, false, fmt.Errorf("invalid URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return reputation.Stats{}, false, fmt.Errorf("create request: %w", err)
	}
	hc := h.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return reputation.Stats{}, false, fmt.Errorf("reputation lookup: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return reputation.Stats{}, false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return reputation.Stats{}, false, statusError(resp.StatusCode, body)
	}
	var out reputationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return reputation.Stats{}, false, fmt.Errorf("decode reputation: %w", err)
	}

	h.mu.Lock()
	if h.cache == nil {
		h.cache = make(map[string]cachedStats)
	}
	h.cache[serviceID] = cachedStats{stats: out.Reputation, found: out.Found, fetched: time.Now()}
	h.mu.Unlock()
	return out.Reputation, out.Found, nil
}

// Score returns the service score. Unseen services score 1.
func (h *HTTPReputation) Score(ctx context.Context, serviceID string) (float64, bool, error) {
	s, found, err := h.Lookup(ctx, serviceID)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 1, false, nil
	}
	return s.Score, true, nil
}

// P95 returns the latency estimate once a sample exists.
func (h *HTTPReputation) P95(ctx context.Context, serviceID string) (float64, bool, error) {
	s, _, err := h.Lookup(ctx, serviceID)
	if err != nil {
		return 0, false, err
	}
	return s.P95EstimateMs, s.LatencySampleCount > 0, nil
}
