// Package strava is the API client for the upstream fitness service. It
// covers exactly what the enrichment pipeline needs: paginated activity
// listings per time window, gear lookups and the athlete identity.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	shared "github.com/stridelens/server/pkg"
	httputil "github.com/stridelens/server/pkg/infrastructure/http"
	"github.com/stridelens/server/pkg/metrics"
)

const (
	defaultBaseURL = "https://www.strava.com/api/v3"

	// apiAttempts is 1 try plus 1 automatic retry on transient errors.
	apiAttempts = 2

	// gearCacheTTL bounds how long a resolved gear record is reused.
	gearCacheTTL = 5 * time.Minute
)

// Endpoint is the OAuth2 endpoint of the upstream API. Token refresh is
// handled by the oauth2 transport; the interactive login/redirect flow
// lives outside this server.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://www.strava.com/oauth/authorize",
	TokenURL: "https://www.strava.com/oauth/token",
}

// OAuthConfig builds the oauth2 config used to wrap tokens into an
// auto-refreshing HTTP client.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     Endpoint,
		Scopes:       []string{"activity:read_all"},
	}
}

// Client is an API client for the upstream fitness service.
type Client struct {
	baseURL string
	client  *http.Client

	mu        sync.RWMutex
	gearCache map[string]gearCacheEntry
}

type gearCacheEntry struct {
	gear      *shared.Gear
	fetchedAt time.Time
}

// NewClient creates a client on top of the given HTTP client, usually an
// oauth2-wrapped one from NewOAuthClient.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   defaultBaseURL,
		client:    httpClient,
		gearCache: make(map[string]gearCacheEntry),
	}
}

// NewOAuthClient creates a client whose transport injects and refreshes
// the user's access token.
func NewOAuthClient(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) *Client {
	return NewClient(cfg.Client(ctx, token))
}

// get performs a GET with one automatic retry on transient errors. Fatal
// errors (4xx except 429) surface immediately; the last transient error
// surfaces after the retry budget is spent.
func (c *Client) get(ctx context.Context, endpoint, path string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= apiAttempts; attempt++ {
		err := c.getOnce(ctx, endpoint, path, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !httputil.IsTransient(err) {
			return err
		}
		if attempt < apiAttempts {
			metrics.UpstreamRetries.Inc()
			slog.Warn("upstream request failed, retrying once",
				"component", "strava",
				"endpoint", endpoint,
				"attempt", attempt,
				"error", err,
			)
		}
	}
	return lastErr
}

func (c *Client) getOnce(ctx context.Context, endpoint, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "network_error").Inc()
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchAthlete returns the authenticated athlete's identity.
func (c *Client) FetchAthlete(ctx context.Context) (*shared.Athlete, error) {
	var athlete shared.Athlete
	if err := c.get(ctx, "athlete", "/athlete", &athlete); err != nil {
		return nil, err
	}
	return &athlete, nil
}

// FetchActivitiesPage requests one page of up to 200 activities inside
// [after, before). The upstream signals end-of-data with an empty list.
func (c *Client) FetchActivitiesPage(ctx context.Context, page int, after, before time.Time) ([]shared.RawActivity, error) {
	path := fmt.Sprintf("/athlete/activities?per_page=%d&page=%d&after=%d&before=%d",
		shared.ActivitiesPerPage, page, after.Unix(), before.Unix())

	var activities []shared.RawActivity
	if err := c.get(ctx, "activities", path, &activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// FetchActivitiesWindow pages through all activities inside [after,
// before) until the upstream returns an empty page. The loop is bounded
// by shared.MaxActivityPages; hitting the bound is an error, a silently
// truncated dataset would corrupt downstream statistics.
func (c *Client) FetchActivitiesWindow(ctx context.Context, after, before time.Time) ([]shared.RawActivity, error) {
	var all []shared.RawActivity
	for page := 1; ; page++ {
		if page > shared.MaxActivityPages {
			return nil, fmt.Errorf("activity pagination exceeded %d pages for window %s..%s",
				shared.MaxActivityPages, after.Format(time.DateOnly), before.Format(time.DateOnly))
		}
		batch, err := c.FetchActivitiesPage(ctx, page, after, before)
		if err != nil {
			return nil, fmt.Errorf("fetch activities page %d: %w", page, err)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	return all, nil
}

// FetchGear resolves a gear id, reusing a per-process cache entry for up
// to 5 minutes.
func (c *Client) FetchGear(ctx context.Context, gearID string) (*shared.Gear, error) {
	c.mu.RLock()
	entry, ok := c.gearCache[gearID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < gearCacheTTL {
		return entry.gear, nil
	}

	var gear shared.Gear
	if err := c.get(ctx, "gear", "/gear/"+gearID, &gear); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.gearCache[gearID] = gearCacheEntry{gear: &gear, fetchedAt: time.Now()}
	c.mu.Unlock()
	return &gear, nil
}
