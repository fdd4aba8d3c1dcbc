package sofascore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// matchMeta caches the fields a partial push update may omit, keyed by
// the upstream event id. Entries are overwritten on rediscovery and
// age out with the live fixture volume.
type matchMeta struct {
	Home      string
	Away      string
	Sport     string
	League    string
	StartTime time.Time
	SeenAt    time.Time
}

const metaMaxAge = 12 * time.Hour

type metaCache struct {
	mu      sync.RWMutex
	entries map[string]matchMeta
}

func newMetaCache() *metaCache {
	return &metaCache{entries: make(map[string]matchMeta)}
}

func (c *metaCache) get(id string) (matchMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entries[id]
	return m, ok
}

func (c *metaCache) put(id string, m matchMeta) {
	m.SeenAt = time.Now()
	c.mu.Lock()
	c.entries[id] = m
	// Bounded-age sweep piggybacks on writes so long-running processes
	// do not accumulate finished fixtures.
	for k, v := range c.entries {
		if time.Since(v.SeenAt) > metaMaxAge {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *metaCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// discoveryClient fetches the live-events snapshot over plain HTTP,
// decoupled from the push-socket lifecycle.
type discoveryClient struct {
	url        string
	sports     []string
	httpClient *http.Client
}

func newDiscoveryClient(url string, sports []string) *discoveryClient {
	return &discoveryClient{
		url:    url,
		sports: sports,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type snapshotResponse struct {
	Events []struct {
		ID       json.Number `json:"id"`
		HomeTeam struct {
			Name string `json:"name"`
		} `json:"homeTeam"`
		AwayTeam struct {
			Name string `json:"name"`
		} `json:"awayTeam"`
		Tournament struct {
			Name string `json:"name"`
		} `json:"tournament"`
		Sport struct {
			Slug string `json:"slug"`
		} `json:"sport"`
		StartTimestamp int64 `json:"startTimestamp"`
	} `json:"events"`
}

func (d *discoveryClient) fetch(ctx context.Context) (map[string]matchMeta, error) {
	out := make(map[string]matchMeta)

	for _, sport := range d.sports {
		url := fmt.Sprintf("%s/%s", d.url, sport)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("creating discovery request: %w", err)
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching snapshot for %s: %w", sport, err)
		}

		var snap snapshotResponse
		err = json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding snapshot for %s: %w", sport, err)
		}

		for _, ev := range snap.Events {
			id := ev.ID.String()
			if id == "" || ev.HomeTeam.Name == "" || ev.AwayTeam.Name == "" {
				continue
			}
			out[id] = matchMeta{
				Home:      ev.HomeTeam.Name,
				Away:      ev.AwayTeam.Name,
				Sport:     ev.Sport.Slug,
				League:    ev.Tournament.Name,
				StartTime: time.Unix(ev.StartTimestamp, 0).UTC(),
			}
		}
	}
	return out, nil
}
