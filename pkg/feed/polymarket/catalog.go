// Package polymarket speaks to the primary prediction-market venue:
// the event catalog that seeds the target filter, and the live
// scores/prices feed emitted as probability-convention updates.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/goalfuse/goalfuse/pkg/match"
)

const (
	// DefaultBaseURL is the venue's sports API base URL.
	DefaultBaseURL = "https://gamma-api.polymarket.com"

	defaultRateLimit = 10.0 // requests per second
	defaultBurst     = 5
)

// Client is the catalog client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a catalog client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type catalogEvent struct {
	ID        string      `json:"id"`
	Sport     string      `json:"sport"`
	HomeTeam  string      `json:"homeTeam"`
	AwayTeam  string      `json:"awayTeam"`
	StartTime json.Number `json:"startTime"`
	Live      bool        `json:"live"`
}

// ListTargets fetches the live event catalog for the given sports and
// converts it into target events. The caller replaces the target
// filter's list wholesale with the result.
func (c *Client) ListTargets(ctx context.Context, sports []string, limit int) ([]match.TargetEvent, error) {
	var targets []match.TargetEvent

	for _, sport := range sports {
		params := url.Values{}
		params.Set("sport", sport)
		params.Set("live", "true")
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}

		var events []catalogEvent
		if err := c.get(ctx, "/sports/events", params, &events); err != nil {
			return nil, fmt.Errorf("listing %s events: %w", sport, err)
		}

		for _, ev := range events {
			if ev.ID == "" || ev.HomeTeam == "" || ev.AwayTeam == "" {
				continue
			}
			t := match.TargetEvent{
				ID:       ev.ID,
				Sport:    ev.Sport,
				HomeTeam: ev.HomeTeam,
				AwayTeam: ev.AwayTeam,
			}
			if ts, err := ev.StartTime.Int64(); err == nil && ts > 0 {
				t.StartTime = time.Unix(ts, 0).UTC()
			}
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
