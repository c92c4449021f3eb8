package enrich

import "log/slog"

// presentationFirst is the fixed "these fields first" ordering contract
// for presentation layers. Fields not listed here follow in their
// original order.
var presentationFirst = []string{
	"x_date",
	"name",
	"type",
	"x_url",
	"start_date_local",
	"x_min",
	"x_km",
	"x_mi",
	"total_elevation_gain",
	"x_elev_%",
	"x_km/h",
	"x_mph",
	"x_max_km/h",
	"x_max_mph",
	"x_min/km",
	"x_min/mi",
	"x_location_start",
	"x_location_end",
	"x_km_start_end",
	"x_nearest_city_start",
	"location_country",
	"x_gear_name",
	"average_heartrate",
	"max_heartrate",
	"average_cadence",
	"average_watts",
	"kilojoules",
	"elev_high",
	"elev_low",
	"average_temp",
}

// FieldOrder returns a copy of the fixed presentation ordering contract.
func FieldOrder() []string {
	return append([]string(nil), presentationFirst...)
}

// OrderColumns orders the available column names for presentation: the
// contract fields first (in contract order), then the remaining columns
// in their original order. An expected field that is absent only logs a
// warning; schema drift must not break rendering.
func OrderColumns(available []string) []string {
	availSet := make(map[string]bool, len(available))
	for _, col := range available {
		availSet[col] = true
	}

	used := make(map[string]bool, len(presentationFirst))
	ordered := make([]string, 0, len(available))
	for _, col := range presentationFirst {
		if !availSet[col] {
			slog.Warn("expected presentation field absent",
				"component", "enrich",
				"field", col,
			)
			continue
		}
		ordered = append(ordered, col)
		used[col] = true
	}

	for _, col := range available {
		if !used[col] {
			ordered = append(ordered, col)
		}
	}
	return ordered
}
