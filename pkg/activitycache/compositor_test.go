package activitycache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/stridelens/server/pkg"
	"github.com/stridelens/server/pkg/enrich"
	"github.com/stridelens/server/pkg/geo"
)

// testNow is a Saturday in June: well inside the year, so the current
// window is [2024-01-01, 2025-01-01).
var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func TestWindowsFor(t *testing.T) {
	tests := []struct {
		name     string
		lookback Lookback
		want     int
	}{
		{"current year only", LookbackCurrentYear, 1},
		{"one year", LookbackOneYear, 2},
		{"five years", LookbackFiveYears, 3},
		{"ten years", LookbackTenYears, 4},
		{"all history", LookbackAll, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows := WindowsFor(tt.lookback, testNow)
			require.Len(t, windows, tt.want)

			// The current-year window always leads.
			assert.True(t, windows[0].Current)
			assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), windows[0].Start)
			assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), windows[0].End)

			// Windows are adjacent and disjoint: each window ends where
			// the previous (newer) one starts.
			for i := 1; i < len(windows); i++ {
				assert.False(t, windows[i].Current)
				assert.Equal(t, windows[i-1].Start, windows[i].End)
				assert.True(t, windows[i].Start.Before(windows[i].End))
			}
		})
	}
}

func TestWindowsFor_Boundaries(t *testing.T) {
	windows := WindowsFor(LookbackTenYears, testNow)

	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), windows[1].Start)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), windows[1].End)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), windows[2].Start)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), windows[2].End)
	assert.Equal(t, time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC), windows[3].Start)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), windows[3].End)

	all := WindowsFor(LookbackAll, testNow)
	require.Len(t, all, 5)
	assert.Equal(t, time.Unix(0, 0).UTC(), all[4].Start)
	assert.Equal(t, time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC), all[4].End)
}

func TestParseLookback(t *testing.T) {
	tests := []struct {
		in      string
		want    Lookback
		wantErr bool
	}{
		{"", LookbackFiveYears, false}, // default passed below
		{"0", LookbackCurrentYear, false},
		{"current", LookbackCurrentYear, false},
		{"1", LookbackOneYear, false},
		{"5", LookbackFiveYears, false},
		{"10", LookbackTenYears, false},
		{"all", LookbackAll, false},
		{"ALL", LookbackAll, false},
		{"7", 0, true},
		{"yesterday", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLookback(tt.in, LookbackFiveYears)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

// fakeSource returns one synthetic activity per fetched window, with the
// window's start year as the activity id so tests can tell windows apart.
type fakeSource struct {
	mu      sync.Mutex
	fetches []time.Time // window starts, in fetch order
	failFor map[int]error
}

func (s *fakeSource) FetchActivitiesWindow(_ context.Context, after, before time.Time) ([]shared.RawActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[after.Year()]; err != nil {
		return nil, err
	}
	s.fetches = append(s.fetches, after)
	return []shared.RawActivity{{
		"id":                   float64(after.Year()),
		"utc_offset":           0.0,
		"moving_time":          1800.0,
		"elapsed_time":         1900.0,
		"total_elevation_gain": 10.0,
		"distance":             5000.0,
		"type":                 "Run",
		"start_date_local":     fmt.Sprintf("%04d-03-01T10:00:00Z", after.Year()),
	}}, nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetches)
}

type fakeGearSource struct{}

func (fakeGearSource) FetchGear(_ context.Context, gearID string) (*shared.Gear, error) {
	return &shared.Gear{ID: gearID, Name: "Gear " + gearID}, nil
}

func newTestCompositor(t *testing.T, source *fakeSource, now *time.Time) *Compositor {
	t.Helper()

	cityPath := filepath.Join(t.TempDir(), "cities.txt")
	require.NoError(t, os.WriteFile(cityPath,
		[]byte("EU,Germany,Saxony,Dresden,51.0504,13.7373\n"), 0o644))

	enricher := enrich.New(fakeGearSource{}, geo.NewCityLookup(cityPath),
		enrich.LoadCanonicalFields(filepath.Join(t.TempDir(), "absent.txt")))

	c := NewCompositor(source, enricher, 2*time.Hour, 24*time.Hour)
	c.now = func() time.Time { return *now }
	return c
}

func activityIDs(batch *enrich.Batch) []int64 {
	ids := make([]int64, 0, len(batch.Activities))
	for _, a := range batch.Activities {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestCompose_WiderLookbackIsSuperset(t *testing.T) {
	source := &fakeSource{}
	now := testNow
	c := newTestCompositor(t, source, &now)
	ctx := context.Background()

	current, err := c.Compose(ctx, "u1", LookbackCurrentYear, nil)
	require.NoError(t, err)
	five, err := c.Compose(ctx, "u1", LookbackFiveYears, nil)
	require.NoError(t, err)
	ten, err := c.Compose(ctx, "u1", LookbackTenYears, nil)
	require.NoError(t, err)

	assert.Equal(t, []int64{2024}, activityIDs(current))
	assert.Equal(t, []int64{2024, 2023, 2019}, activityIDs(five))
	assert.Equal(t, []int64{2024, 2023, 2019, 2014}, activityIDs(ten))

	// Every id appears exactly once: disjoint windows cannot overlap.
	seen := make(map[int64]bool)
	for _, id := range activityIDs(ten) {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestCompose_CachesPerWindow(t *testing.T) {
	source := &fakeSource{}
	now := testNow
	c := newTestCompositor(t, source, &now)
	ctx := context.Background()

	_, err := c.Compose(ctx, "u1", LookbackFiveYears, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, source.fetchCount())

	// Same lookback again: all windows served from cache.
	_, err = c.Compose(ctx, "u1", LookbackFiveYears, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, source.fetchCount())

	// Widening only fetches the windows not already cached.
	_, err = c.Compose(ctx, "u1", LookbackTenYears, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, source.fetchCount())

	// Narrowing fetches nothing.
	_, err = c.Compose(ctx, "u1", LookbackCurrentYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, source.fetchCount())
}

func TestCompose_CurrentWindowExpiresFirst(t *testing.T) {
	source := &fakeSource{}
	now := testNow
	c := newTestCompositor(t, source, &now)
	ctx := context.Background()

	_, err := c.Compose(ctx, "u1", LookbackOneYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount())

	// Past the current-window TTL but within the closed-window TTL:
	// only the current year is refetched.
	now = now.Add(3 * time.Hour)
	_, err = c.Compose(ctx, "u1", LookbackOneYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, source.fetchCount())

	// Past the closed-window TTL everything is refetched.
	now = now.Add(25 * time.Hour)
	_, err = c.Compose(ctx, "u1", LookbackOneYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, source.fetchCount())
}

func TestCompose_ExpiredEntryEvictedEvenWhenRefetchFails(t *testing.T) {
	source := &fakeSource{}
	now := testNow
	c := newTestCompositor(t, source, &now)
	ctx := context.Background()

	_, err := c.Compose(ctx, "u1", LookbackCurrentYear, nil)
	require.NoError(t, err)
	require.Len(t, c.cache, 1)

	// Expire the current-year window, then make its refetch fail.
	now = now.Add(3 * time.Hour)
	source.mu.Lock()
	source.failFor = map[int]error{2024: errors.New("upstream down")}
	source.mu.Unlock()

	_, err = c.Compose(ctx, "u1", LookbackCurrentYear, nil)
	require.Error(t, err)
	assert.Empty(t, c.cache, "stale entry must not linger after a failed refetch")

	// Once the upstream recovers the window is fetched fresh.
	source.mu.Lock()
	source.failFor = nil
	source.mu.Unlock()
	_, err = c.Compose(ctx, "u1", LookbackCurrentYear, nil)
	require.NoError(t, err)
	assert.Len(t, c.cache, 1)
}

func TestCompose_CacheIsPerUser(t *testing.T) {
	source := &fakeSource{}
	now := testNow
	c := newTestCompositor(t, source, &now)
	ctx := context.Background()

	_, err := c.Compose(ctx, "u1", LookbackCurrentYear, nil)
	require.NoError(t, err)
	_, err = c.Compose(ctx, "u2", LookbackCurrentYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, source.fetchCount(), "users never share cache entries")
}

func TestCompose_WindowFailureFailsWholeRequest(t *testing.T) {
	source := &fakeSource{failFor: map[int]error{2019: errors.New("upstream down")}}
	now := testNow
	c := newTestCompositor(t, source, &now)

	batch, err := c.Compose(context.Background(), "u1", LookbackFiveYears, nil)
	require.Error(t, err)
	assert.Nil(t, batch, "no partial dataset on window failure")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestInvalidate(t *testing.T) {
	source := &fakeSource{}
	now := testNow
	c := newTestCompositor(t, source, &now)
	ctx := context.Background()

	_, err := c.Compose(ctx, "u1", LookbackOneYear, nil)
	require.NoError(t, err)
	_, err = c.Compose(ctx, "u2", LookbackCurrentYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, source.fetchCount())

	c.Invalidate("u1")

	// u1 refetches both windows, u2 still hits its cache.
	_, err = c.Compose(ctx, "u1", LookbackOneYear, nil)
	require.NoError(t, err)
	_, err = c.Compose(ctx, "u2", LookbackCurrentYear, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, source.fetchCount())
}
