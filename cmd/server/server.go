package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	shared "github.com/stridelens/server/pkg"
	"github.com/stridelens/server/pkg/activitycache"
	"github.com/stridelens/server/pkg/enrich"
	"github.com/stridelens/server/pkg/geo"
)

// datasetComposer is the slice of the compositor the handlers need.
type datasetComposer interface {
	Compose(ctx context.Context, userID string, lookback activitycache.Lookback, knownLocations []geo.KnownLocation) (*enrich.Batch, error)
	Invalidate(userID string)
}

// locationStore is the slice of the known-location store the handlers need.
type locationStore interface {
	Load(userID int64, usersOnly bool) ([]geo.KnownLocation, error)
	Add(userID int64, loc geo.KnownLocation) error
}

// identitySource resolves the authenticated upstream athlete.
type identitySource interface {
	FetchAthlete(ctx context.Context) (*shared.Athlete, error)
}

type server struct {
	composer        datasetComposer
	locations       locationStore
	identity        identitySource
	defaultLookback activitycache.Lookback
}

func newServer(composer datasetComposer, locations locationStore, identity identitySource, defaultLookback activitycache.Lookback) *server {
	return &server{
		composer:        composer,
		locations:       locations,
		identity:        identity,
		defaultLookback: defaultLookback,
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/activities", s.handleActivities)
		r.Get("/gear", s.handleGear)
		r.Get("/known-locations", s.handleKnownLocations)
		r.Post("/known-locations", s.handleAddKnownLocation)
	})

	return r
}
