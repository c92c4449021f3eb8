package enrich

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
	"github.com/stridelens/server/pkg/geo"
)

// fakeGearSource counts lookups so tests can assert batch memoization.
type fakeGearSource struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newFakeGearSource() *fakeGearSource {
	return &fakeGearSource{calls: make(map[string]int)}
}

func (f *fakeGearSource) FetchGear(_ context.Context, gearID string) (*shared.Gear, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls[gearID]++
	return &shared.Gear{ID: gearID, Name: "Gear " + gearID}, nil
}

func testCityLookup(t *testing.T) *geo.CityLookup {
	t.Helper()
	path := filepath.Join(t.TempDir(), "city-gps.dat")
	content := "# test gazetteer\n" +
		"EU,Germany,Saxony,Dresden,51.0504,13.7373\n" +
		"EU,Germany,Hamburg,Hamburg,53.5503,9.9937\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return geo.NewCityLookup(path)
}

func testEnricher(t *testing.T) (*Enricher, *fakeGearSource) {
	t.Helper()
	gears := newFakeGearSource()
	return New(gears, testCityLookup(t), defaultCanonicalFields), gears
}

// makeRaw builds a minimal valid raw record the way encoding/json would
// decode it (numbers as float64).
func makeRaw(id int64, start string, overrides map[string]any) shared.RawActivity {
	rec := shared.RawActivity{
		"id":                   float64(id),
		"utc_offset":           3600.0,
		"moving_time":          3600.0,
		"elapsed_time":         3700.0,
		"total_elevation_gain": 100.0,
		"name":                 fmt.Sprintf("Activity %d", id),
		"type":                 "Run",
		"start_date_local":     start,
		"distance":             10000.0,
		"average_speed":        2.78,
	}
	for k, v := range overrides {
		rec[k] = v
	}
	return rec
}

func TestEnrichBatch_SortsNewestFirst(t *testing.T) {
	e, _ := testEnricher(t)

	batch, err := e.EnrichBatch(context.Background(), []shared.RawActivity{
		makeRaw(1, "2024-03-01T08:00:00Z", nil),
		makeRaw(2, "2024-06-15T18:30:00Z", nil),
		makeRaw(3, "2024-01-05T07:00:00Z", nil),
	}, nil)
	require.NoError(t, err)

	require.Len(t, batch.Activities, 3)
	assert.Equal(t, int64(2), batch.Activities[0].ID)
	assert.Equal(t, int64(1), batch.Activities[1].ID)
	assert.Equal(t, int64(3), batch.Activities[2].ID)
}

func TestEnrichBatch_MissingIDFailsBatch(t *testing.T) {
	e, _ := testEnricher(t)

	rec := makeRaw(1, "2024-03-01T08:00:00Z", nil)
	delete(rec, "id")

	_, err := e.EnrichBatch(context.Background(), []shared.RawActivity{rec}, nil)
	require.Error(t, err)

	var shapeErr *DataShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "id", shapeErr.Field)
}

func TestEnrichBatch_MissingRequiredFieldAfterBackfill(t *testing.T) {
	e, _ := testEnricher(t)

	// moving_time is absent upstream; backfill inserts nil, which must
	// still fail coercion rather than silently become zero.
	rec := makeRaw(7, "2024-03-01T08:00:00Z", nil)
	delete(rec, "moving_time")

	_, err := e.EnrichBatch(context.Background(), []shared.RawActivity{rec}, nil)
	require.Error(t, err)

	var shapeErr *DataShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "moving_time", shapeErr.Field)
	assert.Equal(t, int64(7), shapeErr.ActivityID)
}

func TestEnrichBatch_BackfillsOptionalFields(t *testing.T) {
	e, _ := testEnricher(t)

	rec := makeRaw(1, "2024-03-01T08:00:00Z", nil)
	delete(rec, "average_speed")

	batch, err := e.EnrichBatch(context.Background(), []shared.RawActivity{rec}, nil)
	require.NoError(t, err)

	a := batch.Activities[0]
	assert.Nil(t, a.AvgSpeedMS)
	assert.Nil(t, a.KmH)
	assert.Nil(t, a.MinPerKm)
}

func TestDeriveFields_Conversions(t *testing.T) {
	a := &Activity{
		ID:             123,
		MovingTime:     3600,
		ElevationGainM: 100,
		DistanceM:      10000,
		AvgSpeedMS:     floatPtr(2.5),
		MaxSpeedMS:     floatPtr(5.0),
		StartDateLocal: mustTime(t, "2024-06-15T18:45:00Z"),
	}
	deriveFields(a)

	assert.Equal(t, "https://www.strava.com/activities/123", a.URL)
	assert.Equal(t, "2024-06-15", a.Date)
	assert.Equal(t, 2024, a.Year)
	assert.Equal(t, 6, a.Month)
	assert.Equal(t, 2, a.Quarter)
	assert.Equal(t, 18.75, a.StartHour)

	assert.Equal(t, 60.0, a.Minutes)
	assert.Equal(t, 10.0, a.Km)
	assert.Equal(t, 6.2, a.Miles)

	require.NotNil(t, a.KmH)
	assert.Equal(t, 9.0, *a.KmH) // 2.5 m/s * 3.6
	require.NotNil(t, a.Mph)
	assert.Equal(t, 5.6, *a.Mph)
	require.NotNil(t, a.MaxKmH)
	assert.Equal(t, 18.0, *a.MaxKmH)

	require.NotNil(t, a.MinPerKm)
	assert.Equal(t, 6.67, *a.MinPerKm) // 1/2.5/60*1000
	require.NotNil(t, a.MinPerMile)
	assert.Equal(t, 10.73, *a.MinPerMile)

	require.NotNil(t, a.ElevationPct)
	assert.Equal(t, 1.0, *a.ElevationPct) // 100 m over 10 km
}

func TestDeriveFields_PaceGuards(t *testing.T) {
	// Zero speed: conversions are defined (0), pace is not (nil).
	a := &Activity{AvgSpeedMS: floatPtr(0), StartDateLocal: mustTime(t, "2024-01-10T09:00:00Z")}
	deriveFields(a)
	require.NotNil(t, a.KmH)
	assert.Equal(t, 0.0, *a.KmH)
	assert.Nil(t, a.MinPerKm)
	assert.Nil(t, a.MinPerMile)

	// Absent speed: everything speed-derived stays nil.
	b := &Activity{StartDateLocal: mustTime(t, "2024-01-10T09:00:00Z")}
	deriveFields(b)
	assert.Nil(t, b.KmH)
	assert.Nil(t, b.Mph)
	assert.Nil(t, b.MinPerKm)
}

func TestDeriveFields_ZeroDistanceGuards(t *testing.T) {
	a := &Activity{ElevationGainM: 50, DistanceM: 0, StartDateLocal: mustTime(t, "2024-01-10T09:00:00Z")}
	deriveFields(a)
	assert.Nil(t, a.ElevationPct, "zero distance must yield nil, not +Inf")
}

func TestDeriveFields_ISOWeekCorrection(t *testing.T) {
	tests := []struct {
		name string
		date string
		want int
	}{
		// 2021-01-01 falls into ISO week 53 of 2020: folded to week 1.
		{"january week 53 folds to 1", "2021-01-01T10:00:00Z", 1},
		// 2020-12-28 is ISO week 53: folded to week 52.
		{"december week 53 folds to 52", "2020-12-28T10:00:00Z", 52},
		{"plain mid-year week", "2024-06-15T10:00:00Z", 24},
		// 2024-12-30 is ISO week 1 of 2025; no correction applies.
		{"december week 1 stays", "2024-12-30T10:00:00Z", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Activity{StartDateLocal: mustTime(t, tt.date)}
			deriveFields(a)
			assert.Equal(t, tt.want, a.Week)
			assert.LessOrEqual(t, a.Week, 52)
		})
	}
}

func TestEnrichBatch_GearResolvedOncePerBatch(t *testing.T) {
	e, gears := testEnricher(t)

	batch, err := e.EnrichBatch(context.Background(), []shared.RawActivity{
		makeRaw(1, "2024-03-01T08:00:00Z", map[string]any{"gear_id": "b100"}),
		makeRaw(2, "2024-03-02T08:00:00Z", map[string]any{"gear_id": "b100"}),
		makeRaw(3, "2024-03-03T08:00:00Z", map[string]any{"gear_id": "s200"}),
		makeRaw(4, "2024-03-04T08:00:00Z", nil),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, gears.calls["b100"], "same gear id fetched once per batch")
	assert.Equal(t, 1, gears.calls["s200"])

	require.Len(t, batch.Gears, 2)
	assert.Equal(t, "b100", batch.Gears[0].ID)
	assert.Equal(t, "s200", batch.Gears[1].ID)

	byID := map[int64]*Activity{}
	for _, a := range batch.Activities {
		byID[a.ID] = a
	}
	require.NotNil(t, byID[1].GearName)
	assert.Equal(t, "Gear b100", *byID[1].GearName)
	assert.Nil(t, byID[4].GearName)
}

func TestEnrichBatch_GearFailureFailsBatch(t *testing.T) {
	gears := newFakeGearSource()
	gears.err = errors.New("upstream down")
	e := New(gears, testCityLookup(t), defaultCanonicalFields)

	_, err := e.EnrichBatch(context.Background(), []shared.RawActivity{
		makeRaw(1, "2024-03-01T08:00:00Z", map[string]any{"gear_id": "b100"}),
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve gear b100")
}

func TestEnrichBatch_MissingCoordinatesSkipGeo(t *testing.T) {
	e, _ := testEnricher(t)

	batch, err := e.EnrichBatch(context.Background(), []shared.RawActivity{
		makeRaw(1, "2024-03-01T08:00:00Z", nil),
		makeRaw(2, "2024-03-02T08:00:00Z", map[string]any{"start_latlng": []any{}, "end_latlng": []any{}}),
		makeRaw(3, "2024-03-03T08:00:00Z", map[string]any{"start_latlng": []any{51.07}}),
	}, nil)
	require.NoError(t, err)

	for _, a := range batch.Activities {
		assert.Nil(t, a.StartLatLng)
		assert.Nil(t, a.KmStartEnd)
		assert.Nil(t, a.LocationStart)
		assert.Nil(t, a.LocationEnd)
		assert.Nil(t, a.NearestCityStart)
	}
}

func TestEnrichBatch_EndToEndDresdenFixture(t *testing.T) {
	e, _ := testEnricher(t)
	knownLocations := []geo.KnownLocation{
		{Lat: 51.070298, Lon: 13.760067, Name: "DD-Alaunpark"},
	}

	raw := []shared.RawActivity{
		// A run starting at the Alaunpark, ending ~3.4 km north.
		makeRaw(1, "2024-04-10T08:00:00Z", map[string]any{
			"type":         "Run",
			"distance":     13100.0,
			"start_latlng": []any{51.0703, 13.7601},
			"end_latlng":   []any{51.1009, 13.7601},
		}),
		// A ride starting in Dresden, no end coordinates recorded.
		makeRaw(2, "2024-04-11T17:00:00Z", map[string]any{
			"type":         "Ride",
			"distance":     42000.0,
			"start_latlng": []any{51.0512, 13.7380},
		}),
		// A swim with zero elevation gain but nonzero distance.
		makeRaw(3, "2024-04-12T07:00:00Z", map[string]any{
			"type":                 "Swim",
			"distance":             2000.0,
			"total_elevation_gain": 0.0,
		}),
	}

	batch, err := e.EnrichBatch(context.Background(), raw, knownLocations)
	require.NoError(t, err)
	require.Len(t, batch.Activities, 3)

	byID := map[int64]*Activity{}
	for _, a := range batch.Activities {
		byID[a.ID] = a
	}

	run := byID[1]
	assert.Equal(t, 13.1, run.Km)
	require.NotNil(t, run.KmStartEnd)
	assert.InDelta(t, 3.4, *run.KmStartEnd, 0.05)
	require.NotNil(t, run.LocationStart)
	assert.Equal(t, "DD-Alaunpark", *run.LocationStart)
	require.NotNil(t, run.NearestCityStart)
	assert.Equal(t, "EU-Germany-Saxony-Dresden", *run.NearestCityStart)

	ride := byID[2]
	require.NotNil(t, ride.NearestCityStart)
	assert.Equal(t, "EU-Germany-Saxony-Dresden", *ride.NearestCityStart)
	assert.Nil(t, ride.KmStartEnd, "no end coordinates, no start-end distance")
	assert.Nil(t, ride.LocationEnd)

	swim := byID[3]
	require.NotNil(t, swim.ElevationPct)
	assert.Equal(t, 0.0, *swim.ElevationPct, "zero gain over nonzero distance is 0, not nil")
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return parsed
}
