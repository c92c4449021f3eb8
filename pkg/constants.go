package shared

const (
	// ActivityURLPrefix is the upstream web URL for one activity; the
	// activity id is appended during enrichment.
	ActivityURLPrefix = "https://www.strava.com/activities/"

	// ActivitiesPerPage is the upstream page size for activity listings.
	ActivitiesPerPage = 200

	// MaxActivityPages bounds the pagination loop so a broken upstream
	// that never returns an empty page cannot run away.
	MaxActivityPages = 100
)
