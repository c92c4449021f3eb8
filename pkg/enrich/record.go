package enrich

import (
	"fmt"
	"strconv"
	"time"

	shared "github.com/stridelens/server/pkg"
)

// Activity is one enriched fitness activity. Upstream fields keep their
// upstream JSON names; derived fields carry the x_ prefix and are computed
// exactly once during enrichment, the record is immutable afterwards.
// Optional fields are pointers so "absent" stays distinguishable from
// zero all the way to the presentation layer.
type Activity struct {
	// Identity and required numerics, coerced during conversion.
	ID             int64 `json:"id"`
	UTCOffset      int64 `json:"utc_offset"`
	MovingTime     int64 `json:"moving_time"`
	ElapsedTime    int64 `json:"elapsed_time"`
	ElevationGainM int64 `json:"total_elevation_gain"`

	Name           string    `json:"name"`
	Type           string    `json:"type"`
	StartDateLocal time.Time `json:"start_date_local"`
	DistanceM      float64   `json:"distance"`

	AvgSpeedMS      *float64 `json:"average_speed"`
	MaxSpeedMS      *float64 `json:"max_speed"`
	AvgHeartrate    *float64 `json:"average_heartrate"`
	MaxHeartrate    *float64 `json:"max_heartrate"`
	AvgCadence      *float64 `json:"average_cadence"`
	AvgWatts        *float64 `json:"average_watts"`
	Kilojoules      *float64 `json:"kilojoules"`
	ElevHigh        *float64 `json:"elev_high"`
	ElevLow         *float64 `json:"elev_low"`
	AvgTemp         *float64 `json:"average_temp"`
	LocationCountry *string  `json:"location_country"`
	GearID          *string  `json:"gear_id"`

	// Coordinates are either exactly two floats (lat, lon) or nil.
	StartLatLng []float64 `json:"start_latlng"`
	EndLatLng   []float64 `json:"end_latlng"`

	// Derived fields.
	URL          string   `json:"x_url"`
	Date         string   `json:"x_date"`
	Year         int      `json:"x_year"`
	Month        int      `json:"x_month"`
	Quarter      int      `json:"x_quarter"`
	Week         int      `json:"x_week"`
	StartHour    float64  `json:"x_start_h"`
	Minutes      float64  `json:"x_min"`
	Km           float64  `json:"x_km"`
	Miles        float64  `json:"x_mi"`
	ElevationPct *float64 `json:"x_elev_%"`
	KmH          *float64 `json:"x_km/h"`
	MaxKmH       *float64 `json:"x_max_km/h"`
	Mph          *float64 `json:"x_mph"`
	MaxMph       *float64 `json:"x_max_mph"`
	MinPerKm     *float64 `json:"x_min/km"`
	MinPerMile   *float64 `json:"x_min/mi"`

	GearName         *string  `json:"x_gear_name"`
	LocationStart    *string  `json:"x_location_start"`
	LocationEnd      *string  `json:"x_location_end"`
	KmStartEnd       *float64 `json:"x_km_start_end"`
	NearestCityStart *string  `json:"x_nearest_city_start"`
}

// DataShapeError reports a raw batch whose records cannot be typed: a
// required field is absent or non-numeric even after canonical-field
// backfill. It fails the whole batch, downstream merges key on id and
// assume non-null required numerics.
type DataShapeError struct {
	Field      string
	ActivityID int64 // 0 when the id itself is the broken field
	Reason     string
}

func (e *DataShapeError) Error() string {
	if e.ActivityID != 0 {
		return fmt.Sprintf("activity %d has invalid shape: field %q %s", e.ActivityID, e.Field, e.Reason)
	}
	return fmt.Sprintf("activity batch has invalid shape: field %q %s", e.Field, e.Reason)
}

// requiredIntFields must coerce to integers on every record.
var requiredIntFields = []string{"id", "utc_offset", "moving_time", "elapsed_time", "total_elevation_gain"}

// asInt64 coerces the numeric representations the JSON decoder may hand
// us. Fractional floats are truncated like the source system did.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func asFloatPtr(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	default:
		return nil
	}
}

func asFloat(v any) float64 {
	if p := asFloatPtr(v); p != nil {
		return *p
	}
	return 0
}

func asStringPtr(v any) *string {
	if s, ok := v.(string); ok && s != "" {
		return &s
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// asLatLng accepts only a pair of exactly two floats; anything else
// (absent, empty list, wrong arity) yields nil so geo enrichment is
// skipped for the record instead of erroring.
func asLatLng(v any) []float64 {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return nil
	}
	lat, latOK := list[0].(float64)
	lon, lonOK := list[1].(float64)
	if !latOK || !lonOK {
		return nil
	}
	return []float64{lat, lon}
}

// timestampLayouts are tried in order for start_date_local. The zone
// designator, when present, is discarded: the value is a local instant.
var timestampLayouts = []string{time.RFC3339, "2006-01-02T15:04:05"}

func parseLocalTimestamp(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// Strip the zone to a naive local instant.
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// fromRaw converts one backfilled raw record into a typed Activity.
// Derived fields are filled in later by the pipeline.
func fromRaw(raw shared.RawActivity) (*Activity, error) {
	required := make(map[string]int64, len(requiredIntFields))
	for _, field := range requiredIntFields {
		n, ok := asInt64(raw[field])
		if !ok {
			id := required["id"] // zero when id itself is broken
			return nil, &DataShapeError{Field: field, ActivityID: id, Reason: "is missing or not numeric"}
		}
		required[field] = n
	}

	start, ok := parseLocalTimestamp(raw["start_date_local"])
	if !ok {
		return nil, &DataShapeError{Field: "start_date_local", ActivityID: required["id"], Reason: "is missing or unparseable"}
	}

	return &Activity{
		ID:             required["id"],
		UTCOffset:      required["utc_offset"],
		MovingTime:     required["moving_time"],
		ElapsedTime:    required["elapsed_time"],
		ElevationGainM: required["total_elevation_gain"],

		Name:           asString(raw["name"]),
		Type:           asString(raw["type"]),
		StartDateLocal: start,
		DistanceM:      asFloat(raw["distance"]),

		AvgSpeedMS:      asFloatPtr(raw["average_speed"]),
		MaxSpeedMS:      asFloatPtr(raw["max_speed"]),
		AvgHeartrate:    asFloatPtr(raw["average_heartrate"]),
		MaxHeartrate:    asFloatPtr(raw["max_heartrate"]),
		AvgCadence:      asFloatPtr(raw["average_cadence"]),
		AvgWatts:        asFloatPtr(raw["average_watts"]),
		Kilojoules:      asFloatPtr(raw["kilojoules"]),
		ElevHigh:        asFloatPtr(raw["elev_high"]),
		ElevLow:         asFloatPtr(raw["elev_low"]),
		AvgTemp:         asFloatPtr(raw["average_temp"]),
		LocationCountry: asStringPtr(raw["location_country"]),
		GearID:          asStringPtr(raw["gear_id"]),

		StartLatLng: asLatLng(raw["start_latlng"]),
		EndLatLng:   asLatLng(raw["end_latlng"]),
	}, nil
}
