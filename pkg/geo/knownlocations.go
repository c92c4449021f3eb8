package geo

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// matchThresholdKm is the maximum distance for a point to count as
	// being "at" a known location.
	matchThresholdKm = 0.75
	// coarseRejectDeg skips the distance computation when either axis is
	// off by more than this. 0.1° of latitude is already >10 km, far
	// beyond the matching threshold.
	coarseRejectDeg = 0.1
)

// KnownLocation is a named point of interest, either built in or supplied
// by the user.
type KnownLocation struct {
	Lat  float64
	Lon  float64
	Name string
}

// builtinLocations are curated defaults that every user gets.
var builtinLocations = []KnownLocation{
	{51.070298, 13.760067, "DD-Alaunpark"},
	{53.330333, 10.138152, "P-MTV-Pattensen"},
	{51.010218, 13.701419, "DD-Robotron"},
	{49.60579, 11.036603, "ER-Meilwald-Handtuchwiese"},
	{49.588036, 11.035357, "ER-ObiKreisel"},
}

// MatchKnownLocation returns the name of the first known location within
// 0.75 km of the point. The list is scanned linearly in order, so when
// locations overlap the earliest entry wins; this is deliberate and must
// not be replaced by a closest-wins or indexed lookup, the lists are tens
// of entries at most.
func MatchKnownLocation(lat, lon float64, locations []KnownLocation) (string, bool) {
	for _, kl := range locations {
		if math.Abs(lat-kl.Lat) > coarseRejectDeg || math.Abs(lon-kl.Lon) > coarseRejectDeg {
			continue
		}
		if Haversine(lat, lon, kl.Lat, kl.Lon) < matchThresholdKm {
			return kl.Name, true
		}
	}
	return "", false
}

// LocationStore reads and writes per-user known-location files under
// <dataDir>/knownLocations/<userID>.txt, one "lat lon name" per line.
// Names must not contain spaces; multi-word names are not supported by
// the file format.
type LocationStore struct {
	dataDir string
}

// NewLocationStore creates a store rooted at the given data directory.
func NewLocationStore(dataDir string) *LocationStore {
	return &LocationStore{dataDir: dataDir}
}

func (s *LocationStore) filePath(userID int64) string {
	return filepath.Join(s.dataDir, "knownLocations", fmt.Sprintf("%d.txt", userID))
}

// Load returns the known locations for a user: the built-in set followed
// by the user's persisted list in file order. A missing user file is not
// an error. With usersOnly set the built-ins are omitted.
func (s *LocationStore) Load(userID int64, usersOnly bool) ([]KnownLocation, error) {
	var locations []KnownLocation
	if !usersOnly {
		locations = append(locations, builtinLocations...)
	}

	data, err := os.ReadFile(s.filePath(userID))
	if os.IsNotExist(err) {
		return locations, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read known locations: %w", err)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}
		lat, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		locations = append(locations, KnownLocation{Lat: lat, Lon: lon, Name: parts[2]})
	}
	return locations, nil
}

// Add appends a location to the user's file, creating it if needed. The
// name is whitespace-normalized (inner whitespace becomes '-') to keep the
// single-space field separation of the file format intact.
func (s *LocationStore) Add(userID int64, loc KnownLocation) error {
	name := strings.Join(strings.Fields(loc.Name), "-")
	if name == "" {
		return fmt.Errorf("known location name must not be empty")
	}

	path := s.filePath(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create known locations dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open known locations: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%f %f %s\n", loc.Lat, loc.Lon, name); err != nil {
		return fmt.Errorf("append known location: %w", err)
	}
	return nil
}
