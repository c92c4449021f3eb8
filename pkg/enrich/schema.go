package enrich

import (
	"log/slog"
	"os"
	"strings"
)

// defaultCanonicalFields is the compiled-in fallback for the canonical
// activity field contract. The authoritative copy is the persisted
// activity_columns.txt, which is where upstream schema drift gets
// reconciled; this list only covers a fresh install without one.
var defaultCanonicalFields = []string{
	"id",
	"name",
	"type",
	"sport_type",
	"workout_type",
	"start_date_local",
	"timezone",
	"utc_offset",
	"distance",
	"moving_time",
	"elapsed_time",
	"total_elevation_gain",
	"elev_high",
	"elev_low",
	"average_speed",
	"max_speed",
	"average_cadence",
	"average_watts",
	"max_watts",
	"weighted_average_watts",
	"device_watts",
	"kilojoules",
	"has_heartrate",
	"average_heartrate",
	"max_heartrate",
	"suffer_score",
	"average_temp",
	"start_latlng",
	"end_latlng",
	"location_city",
	"location_state",
	"location_country",
	"gear_id",
	"trainer",
	"commute",
	"manual",
	"private",
	"visibility",
	"flagged",
	"achievement_count",
	"kudos_count",
	"comment_count",
	"athlete_count",
	"photo_count",
	"total_photo_count",
	"pr_count",
	"has_kudoed",
}

// LoadCanonicalFields reads the canonical activity field list (one field
// name per line, whitespace separated). A missing or unreadable file
// falls back to the compiled-in default with a warning; the contract file
// is reference data, its absence must not take the dashboard down.
func LoadCanonicalFields(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("canonical field list not readable, using built-in default",
			"component", "enrich",
			"path", path,
			"error", err,
		)
		return defaultCanonicalFields
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		slog.Warn("canonical field list is empty, using built-in default",
			"component", "enrich",
			"path", path,
		)
		return defaultCanonicalFields
	}
	return fields
}

// backfillCanonicalFields ensures every canonical field exists on every
// record, filling absent ones with nil. Downstream code can then index
// fields without existence checks.
func backfillCanonicalFields(records []map[string]any, fields []string) {
	for _, rec := range records {
		for _, field := range fields {
			if _, ok := rec[field]; !ok {
				rec[field] = nil
			}
		}
	}
}
