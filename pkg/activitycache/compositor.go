// Package activitycache serves enriched activity datasets assembled from
// calendar-year-aligned windows, each cached independently so widening
// the lookback only fetches the windows not already held.
package activitycache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	shared "github.com/stridelens/server/pkg"
	"github.com/stridelens/server/pkg/enrich"
	"github.com/stridelens/server/pkg/geo"
	"github.com/stridelens/server/pkg/metrics"
)

// Lookback selects how far back the composed dataset reaches. The values
// are the year offsets of the window boundaries, so they double as the
// wire form used by the API.
type Lookback int

const (
	LookbackCurrentYear Lookback = 0
	LookbackOneYear     Lookback = 1
	LookbackFiveYears   Lookback = 5
	LookbackTenYears    Lookback = 10
	LookbackAll         Lookback = -1
)

// ParseLookback parses the wire form of a lookback ("0", "1", "5", "10",
// "all"). The empty string maps to the given default.
func ParseLookback(s string, def Lookback) (Lookback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "0", "current":
		return LookbackCurrentYear, nil
	case "1":
		return LookbackOneYear, nil
	case "5":
		return LookbackFiveYears, nil
	case "10":
		return LookbackTenYears, nil
	case "all":
		return LookbackAll, nil
	default:
		return 0, fmt.Errorf("invalid lookback %q", s)
	}
}

// Window is one half-open fetch range [Start, End). Windows are aligned
// to calendar-year boundaries so a window's contents only change while
// its year is still running.
type Window struct {
	Start time.Time
	End   time.Time
	// Current marks the window containing now; it gets the short cache
	// TTL because new activities keep landing in it.
	Current bool
}

// oldestStart bounds the "all history" window. Activities before the
// Unix epoch do not exist upstream.
var oldestStart = time.Unix(0, 0).UTC()

func yearStart(year int) time.Time {
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
}

// WindowsFor expands a lookback into its disjoint windows, newest first.
// The current-year window is always included; wider lookbacks append the
// closed ranges (1..0], (5..1], (10..5] and, for LookbackAll, everything
// before that. Disjointness means a record is fetched and cached under
// exactly one window.
func WindowsFor(lookback Lookback, now time.Time) []Window {
	year := now.UTC().Year()
	windows := []Window{{Start: yearStart(year), End: yearStart(year + 1), Current: true}}

	boundaries := []int{1, 5, 10}
	prev := year
	for _, back := range boundaries {
		if lookback != LookbackAll && int(lookback) < back {
			return windows
		}
		windows = append(windows, Window{Start: yearStart(year - back), End: yearStart(prev)})
		prev = year - back
	}
	if lookback == LookbackAll {
		windows = append(windows, Window{Start: oldestStart, End: yearStart(prev)})
	}
	return windows
}

type windowKey struct {
	UserID string
	Start  int64
	End    int64
}

type windowEntry struct {
	batch     *enrich.Batch
	fetchedAt time.Time
}

// Compositor fetches, enriches and caches per-window activity batches
// and concatenates them into one dataset per request. Any window failure
// fails the whole request; a silently truncated dataset would skew every
// statistic downstream.
type Compositor struct {
	source   shared.ActivitySource
	enricher *enrich.Enricher

	currentTTL time.Duration
	closedTTL  time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	cache map[windowKey]*windowEntry
}

// NewCompositor creates a Compositor. currentTTL applies to the running
// year's window, closedTTL to all closed windows.
func NewCompositor(source shared.ActivitySource, enricher *enrich.Enricher, currentTTL, closedTTL time.Duration) *Compositor {
	return &Compositor{
		source:     source,
		enricher:   enricher,
		currentTTL: currentTTL,
		closedTTL:  closedTTL,
		now:        time.Now,
		cache:      make(map[windowKey]*windowEntry),
	}
}

// Compose returns the enriched dataset for the user's lookback, serving
// each window from cache when fresh and fetching the rest. Activities
// are newest-first across the whole result; gear records are deduplicated
// across windows and sorted by id.
func (c *Compositor) Compose(ctx context.Context, userID string, lookback Lookback, knownLocations []geo.KnownLocation) (*enrich.Batch, error) {
	windows := WindowsFor(lookback, c.now())

	var activities []*enrich.Activity
	gearSeen := make(map[string]bool)
	var gears []shared.Gear

	for _, w := range windows {
		batch, err := c.window(ctx, userID, w, knownLocations)
		if err != nil {
			return nil, fmt.Errorf("window %s..%s: %w",
				w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly), err)
		}
		activities = append(activities, batch.Activities...)
		for _, g := range batch.Gears {
			if !gearSeen[g.ID] {
				gearSeen[g.ID] = true
				gears = append(gears, g)
			}
		}
	}

	sort.Slice(gears, func(i, j int) bool { return gears[i].ID < gears[j].ID })
	return &enrich.Batch{Activities: activities, Gears: gears}, nil
}

// window serves one window, fetching and enriching on a cache miss. An
// expired entry is evicted lazily on access.
func (c *Compositor) window(ctx context.Context, userID string, w Window, knownLocations []geo.KnownLocation) (*enrich.Batch, error) {
	key := windowKey{UserID: userID, Start: w.Start.Unix(), End: w.End.Unix()}
	ttl := c.closedTTL
	if w.Current {
		ttl = c.currentTTL
	}

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		if c.now().Sub(entry.fetchedAt) < ttl {
			metrics.WindowCacheHits.Inc()
			return entry.batch, nil
		}
		// Evict now rather than after the refetch, so a failed refetch
		// does not leave the stale entry in the map. Re-check under the
		// write lock, a concurrent request may have refreshed it.
		c.mu.Lock()
		if cur, stillThere := c.cache[key]; stillThere && cur.fetchedAt.Equal(entry.fetchedAt) {
			delete(c.cache, key)
		}
		c.mu.Unlock()
	}
	metrics.WindowCacheMisses.Inc()

	raw, err := c.source.FetchActivitiesWindow(ctx, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("fetch activities: %w", err)
	}

	batch, err := c.enricher.EnrichBatch(ctx, raw, knownLocations)
	if err != nil {
		return nil, err
	}

	slog.Debug("activity window fetched",
		"component", "activitycache",
		"user_id", userID,
		"window_start", w.Start.Format(time.DateOnly),
		"window_end", w.End.Format(time.DateOnly),
		"activities", len(batch.Activities),
	)

	c.mu.Lock()
	c.cache[key] = &windowEntry{batch: batch, fetchedAt: c.now()}
	c.mu.Unlock()
	return batch, nil
}

// Invalidate drops all cached windows for one user. Called when the
// user's known-location list changes, since the cached batches embed the
// matched location names.
func (c *Compositor) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if key.UserID == userID {
			delete(c.cache, key)
		}
	}
}
