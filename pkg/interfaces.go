package shared

import (
	"context"
	"time"
)

// --- Upstream API Interfaces ---

// RawActivity is one activity record as decoded from the upstream JSON,
// before any typing or enrichment.
type RawActivity = map[string]any

// Gear is one piece of equipment (bike, shoe) referenced by activities.
type Gear struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
}

// Athlete identifies the authenticated upstream user.
type Athlete struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ActivitySource fetches raw activity pages from the upstream API.
// Implementations must return an empty slice to signal end-of-data and
// distinguish transient from fatal errors (transient ones are retried
// once inside the source before surfacing).
type ActivitySource interface {
	FetchActivitiesWindow(ctx context.Context, after, before time.Time) ([]RawActivity, error)
}

// GearSource resolves gear ids to gear records. Implementations cache
// lookups per process for a bounded TTL; callers still memoize per batch.
type GearSource interface {
	FetchGear(ctx context.Context, gearID string) (*Gear, error)
}
