package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	shared "github.com/stridelens/server/pkg"
	"github.com/stridelens/server/pkg/activitycache"
	"github.com/stridelens/server/pkg/enrich"
	"github.com/stridelens/server/pkg/geo"
	httputil "github.com/stridelens/server/pkg/infrastructure/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "component", "api", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// errorStatus maps pipeline errors onto the single JSON error surface.
// Upstream and data-shape failures are the upstream's fault, not the
// caller's.
func errorStatus(err error) int {
	var httpErr *httputil.HTTPError
	if errors.As(err, &httpErr) {
		return http.StatusBadGateway
	}
	var shapeErr *enrich.DataShapeError
	if errors.As(err, &shapeErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// athlete resolves the authenticated upstream user for this request.
func (s *server) athlete(r *http.Request) (*shared.Athlete, error) {
	athlete, err := s.identity.FetchAthlete(r.Context())
	if err != nil {
		return nil, fmt.Errorf("resolve athlete: %w", err)
	}
	return athlete, nil
}

type activitiesResponse struct {
	Athlete  *shared.Athlete `json:"athlete"`
	Lookback string          `json:"lookback"`
	Summary  enrich.Summary  `json:"summary"`
	// SummaryText is the localized dashboard header line rendered from
	// Summary.
	SummaryText string             `json:"summary_text"`
	Columns     []string           `json:"columns"`
	Activities  []*enrich.Activity `json:"activities"`
	Gears       []shared.Gear      `json:"gears"`
}

func (s *server) handleActivities(w http.ResponseWriter, r *http.Request) {
	lookback, err := activitycache.ParseLookback(r.URL.Query().Get("lookback"), s.defaultLookback)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	athlete, err := s.athlete(r)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	knownLocations, err := s.locations.Load(athlete.ID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	batch, err := s.composer.Compose(r.Context(), strconv.FormatInt(athlete.ID, 10), lookback, knownLocations)
	if err != nil {
		slog.Error("compose dataset failed",
			"component", "api",
			"athlete_id", athlete.ID,
			"error", err,
		)
		writeError(w, errorStatus(err), err.Error())
		return
	}

	summary := enrich.Summarize(batch.Activities)
	writeJSON(w, http.StatusOK, activitiesResponse{
		Athlete:     athlete,
		Lookback:    r.URL.Query().Get("lookback"),
		Summary:     summary,
		SummaryText: summary.String(),
		Columns:     availableColumns(batch.Activities),
		Activities:  batch.Activities,
		Gears:       batch.Gears,
	})
}

// availableColumns derives the present JSON field names from the first
// record and orders them with the presentation contract.
func availableColumns(activities []*enrich.Activity) []string {
	if len(activities) == 0 {
		return []string{}
	}
	data, err := json.Marshal(activities[0])
	if err != nil {
		return []string{}
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return []string{}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names) // map order is random; keep the tail stable
	return enrich.OrderColumns(names)
}

func (s *server) handleGear(w http.ResponseWriter, r *http.Request) {
	athlete, err := s.athlete(r)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	knownLocations, err := s.locations.Load(athlete.ID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	batch, err := s.composer.Compose(r.Context(), strconv.FormatInt(athlete.ID, 10), s.defaultLookback, knownLocations)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"gears": batch.Gears})
}

func (s *server) handleKnownLocations(w http.ResponseWriter, r *http.Request) {
	athlete, err := s.athlete(r)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	usersOnly := r.URL.Query().Get("users_only") == "true"
	locations, err := s.locations.Load(athlete.ID, usersOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"known_locations": locations})
}

type addLocationRequest struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name"`
}

func (s *server) handleAddKnownLocation(w http.ResponseWriter, r *http.Request) {
	var req addLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}

	athlete, err := s.athlete(r)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	if err := s.locations.Add(athlete.ID, geo.KnownLocation{Lat: req.Lat, Lon: req.Lon, Name: req.Name}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Cached datasets embed matched location names, so they are stale now.
	s.composer.Invalidate(strconv.FormatInt(athlete.ID, 10))

	slog.Info("known location added",
		"component", "api",
		"athlete_id", athlete.ID,
		"name", req.Name,
	)
	w.WriteHeader(http.StatusCreated)
}
