// Package enrich turns raw upstream activity pages into the typed,
// analysis-ready dataset the dashboard serves: canonical-field backfill,
// required-field coercion, derived metrics, gear name resolution and geo
// enrichment against the known-location list and the city index.
package enrich

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	shared "github.com/stridelens/server/pkg"
	"github.com/stridelens/server/pkg/geo"
	"github.com/stridelens/server/pkg/metrics"
)

const mileInKm = 1.60934

const (
	// storagePrecision (~11 m) stabilizes stored coordinates.
	storagePrecision = 4
	// matchPrecision (~111 m) is used for known-location matching.
	matchPrecision = 3
	// cityPrecision (~1.1 km) is used for the nearest-city lookup.
	cityPrecision = 2
)

// Enricher converts raw activity batches into enriched records. It is
// cheap to construct and safe for concurrent use; the per-process caches
// live in the gear source and the city lookup it wraps.
type Enricher struct {
	gears  shared.GearSource
	cities *geo.CityLookup
	fields []string
}

// New creates an Enricher. canonicalFields is the persisted field
// contract from LoadCanonicalFields.
func New(gears shared.GearSource, cities *geo.CityLookup, canonicalFields []string) *Enricher {
	return &Enricher{gears: gears, cities: cities, fields: canonicalFields}
}

// Batch is the result of enriching one window of raw records.
type Batch struct {
	// Activities are sorted newest-first by local start time. This
	// ordering is a user-facing contract.
	Activities []*Activity
	// Gears are the distinct gear records referenced by the batch,
	// sorted by id.
	Gears []shared.Gear
}

// EnrichBatch runs the full pipeline over one window's raw records.
// Malformed individual records are never silently dropped: a record
// missing a required field fails the whole batch with a DataShapeError.
func (e *Enricher) EnrichBatch(ctx context.Context, raw []shared.RawActivity, knownLocations []geo.KnownLocation) (*Batch, error) {
	metrics.EnrichmentBatchSize.Observe(float64(len(raw)))

	backfillCanonicalFields(raw, e.fields)

	activities := make([]*Activity, 0, len(raw))
	for _, rec := range raw {
		a, err := fromRaw(rec)
		if err != nil {
			return nil, err
		}
		activities = append(activities, a)
	}

	// Newest first; stable so records sharing a timestamp keep their
	// upstream order.
	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].StartDateLocal.After(activities[j].StartDateLocal)
	})

	for _, a := range activities {
		deriveFields(a)
	}

	gears, err := e.resolveGear(ctx, activities)
	if err != nil {
		return nil, err
	}

	if err := e.geoEnrich(activities, knownLocations); err != nil {
		return nil, err
	}

	return &Batch{Activities: activities, Gears: gears}, nil
}

// deriveFields computes the numeric and calendar derivations for one
// record. Division guards yield nil, never infinity.
func deriveFields(a *Activity) {
	a.URL = shared.ActivityURLPrefix + strconv.FormatInt(a.ID, 10)

	start := a.StartDateLocal
	a.Date = start.Format(time.DateOnly)
	a.Year = start.Year()
	a.Month = int(start.Month())
	a.Quarter = (a.Month-1)/3 + 1
	a.StartHour = round2(float64(start.Hour()) + float64(start.Minute())/60 + float64(start.Second())/3600)

	// ISO week, folded so downstream grouping never sees week 53: the ISO
	// week-year and the calendar year disagree at year boundaries.
	_, week := start.ISOWeek()
	switch {
	case week == 53 && a.Month == 1:
		week = 1
	case week == 53 && a.Month == 12:
		week = 52
	}
	a.Week = week

	a.Minutes = round1(float64(a.MovingTime) / 60)
	a.Km = round1(a.DistanceM / 1000)
	a.Miles = round1(a.DistanceM / 1000 / mileInKm)

	if a.Km != 0 {
		a.ElevationPct = floatPtr(round1(float64(a.ElevationGainM) / a.Km / 10))
	}

	if a.AvgSpeedMS != nil {
		a.KmH = floatPtr(round1(*a.AvgSpeedMS * 3.6))
		a.Mph = floatPtr(round1(*a.AvgSpeedMS * 3.6 / mileInKm))
	}
	if a.MaxSpeedMS != nil {
		a.MaxKmH = floatPtr(round1(*a.MaxSpeedMS * 3.6))
		a.MaxMph = floatPtr(round1(*a.MaxSpeedMS * 3.6 / mileInKm))
	}

	// m/s -> min/km = 1 / v / 60 * 1000, guarded against zero speed.
	if a.AvgSpeedMS != nil && *a.AvgSpeedMS > 0 {
		a.MinPerKm = floatPtr(round2(1 / *a.AvgSpeedMS / 60 * 1000))
		a.MinPerMile = floatPtr(round2(1 / *a.AvgSpeedMS / 60 * 1000 * mileInKm))
	}
}

// resolveGear fetches each distinct gear id in the batch at most once and
// maps the names back onto the activities. A gear fetch failure fails the
// batch; partially resolved gear would look like missing equipment.
func (e *Enricher) resolveGear(ctx context.Context, activities []*Activity) ([]shared.Gear, error) {
	seen := make(map[string]*shared.Gear)
	var gears []shared.Gear

	for _, a := range activities {
		if a.GearID == nil {
			continue
		}
		gear, ok := seen[*a.GearID]
		if !ok {
			fetched, err := e.gears.FetchGear(ctx, *a.GearID)
			if err != nil {
				return nil, fmt.Errorf("resolve gear %s: %w", *a.GearID, err)
			}
			seen[*a.GearID] = fetched
			gear = fetched
			gears = append(gears, *fetched)
		}
		name := gear.Name
		a.GearName = &name
	}

	sort.Slice(gears, func(i, j int) bool { return gears[i].ID < gears[j].ID })
	return gears, nil
}

// geoEnrich fills the coordinate-derived fields. Records without a full
// coordinate pair keep all geo fields nil; that is an expected state, not
// an error.
func (e *Enricher) geoEnrich(activities []*Activity, knownLocations []geo.KnownLocation) error {
	cityIdx, err := e.cities.Index()
	if err != nil {
		return fmt.Errorf("city index: %w", err)
	}

	for _, a := range activities {
		if a.StartLatLng != nil {
			lat, lon := geo.ReducePrecision(a.StartLatLng[0], a.StartLatLng[1], storagePrecision)
			a.StartLatLng = []float64{lat, lon}
		}
		if a.EndLatLng != nil {
			lat, lon := geo.ReducePrecision(a.EndLatLng[0], a.EndLatLng[1], storagePrecision)
			a.EndLatLng = []float64{lat, lon}
		}

		if a.StartLatLng != nil && a.EndLatLng != nil {
			dist := geo.Haversine(a.StartLatLng[0], a.StartLatLng[1], a.EndLatLng[0], a.EndLatLng[1])
			a.KmStartEnd = floatPtr(round1(dist))
		}

		if a.StartLatLng != nil {
			lat, lon := geo.ReducePrecision(a.StartLatLng[0], a.StartLatLng[1], matchPrecision)
			if name, ok := geo.MatchKnownLocation(lat, lon, knownLocations); ok {
				a.LocationStart = &name
			}

			cityLat, cityLon := geo.ReducePrecision(a.StartLatLng[0], a.StartLatLng[1], cityPrecision)
			if city, ok := cityIdx.NearestCity(cityLat, cityLon); ok {
				a.NearestCityStart = &city
			}
		}

		if a.EndLatLng != nil {
			lat, lon := geo.ReducePrecision(a.EndLatLng[0], a.EndLatLng[1], matchPrecision)
			if name, ok := geo.MatchKnownLocation(lat, lon, knownLocations); ok {
				a.LocationEnd = &name
			}
		}
	}
	return nil
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

func floatPtr(v float64) *float64 { return &v }
