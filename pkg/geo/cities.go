package geo

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cellMargin is how close (in degrees) a city must sit to a cell edge to
// also be indexed into the adjacent cell.
const cellMargin = 0.5

// CityEntry is one gazetteer row: a city position and its composite
// continent-country-subdivision-city name.
type CityEntry struct {
	Lat  float64
	Lon  float64
	Name string
}

// cellKey addresses one 1°x1° cell of the spatial index.
type cellKey struct {
	Lat int
	Lon int
}

// ReadCityDB reads the city gazetteer file: comma-separated lines with
// 6 fields (continent,country,subdivision,city,lat,lon). Lines starting
// with '#' and lines that do not have exactly 6 fields are skipped.
func ReadCityDB(path string) ([]CityEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read city db: %w", err)
	}

	var entries []CityEntry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 6)
		if len(parts) != 6 {
			continue
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[5]), 64)
		if err != nil {
			continue
		}
		name := strings.Join(parts[:4], "-")
		name = strings.ReplaceAll(name, ",", "")
		name = strings.ReplaceAll(name, ";", "")
		entries = append(entries, CityEntry{Lat: lat, Lon: lon, Name: name})
	}
	return entries, nil
}

// CityIndex buckets the gazetteer into 1°x1° cells for near-constant-time
// nearest-city queries. It is built once and read-only afterwards.
type CityIndex struct {
	cells map[cellKey][]CityEntry
}

// cellsFor returns the cells a city is indexed into: its home cell plus up
// to three neighbor cells. A neighbor is added per axis when the city sits
// within cellMargin of that cell edge; candidates outside the valid
// latitude/longitude range or equal to the home cell are dropped.
func cellsFor(e CityEntry) []cellKey {
	lat0, lon0 := int(e.Lat), int(e.Lon)

	neighborAxis := func(v float64, home int, limit int) (int, bool) {
		n := int(v - cellMargin)
		if n == home { // same cell, so try + instead
			n = int(v + cellMargin)
			if n == home { // still same cell, city sits at the center
				return 0, false
			}
		}
		if n > limit || n < -limit {
			return 0, false
		}
		return n, true
	}

	lat1, latOK := neighborAxis(e.Lat, lat0, 90)
	lon1, lonOK := neighborAxis(e.Lon, lon0, 180)

	cells := []cellKey{{lat0, lon0}}
	if latOK {
		cells = append(cells, cellKey{lat1, lon0})
	}
	if lonOK {
		cells = append(cells, cellKey{lat0, lon1})
	}
	if latOK && lonOK {
		cells = append(cells, cellKey{lat1, lon1})
	}
	return cells
}

// BuildCityIndex builds the spatial index from the full gazetteer.
func BuildCityIndex(entries []CityEntry) *CityIndex {
	idx := &CityIndex{cells: make(map[cellKey][]CityEntry, len(entries))}
	for _, e := range entries {
		for _, c := range cellsFor(e) {
			idx.cells[c] = append(idx.cells[c], e)
		}
	}
	return idx
}

// NearestCity returns the name of the closest indexed city to the given
// point. The query only scans the point's home cell: if that cell is empty
// the lookup returns ok=false even when a close city exists just across
// the cell edge. That is an accepted precision/performance trade-off, not
// a bug; the build-side margin duplication covers the common cases.
func (idx *CityIndex) NearestCity(lat, lon float64) (string, bool) {
	candidates, ok := idx.cells[cellKey{int(lat), int(lon)}]
	if !ok {
		return "", false
	}

	bestDist := -1.0
	bestName := ""
	for _, c := range candidates {
		dist := Haversine(lat, lon, c.Lat, c.Lon)
		if bestDist < 0 || dist < bestDist { // strict less: ties keep input order
			bestDist = dist
			bestName = c.Name
		}
	}
	return bestName, bestName != ""
}

// CellCount returns the number of populated cells.
func (idx *CityIndex) CellCount() int {
	return len(idx.cells)
}

// CityLookup lazily builds the CityIndex from a gazetteer file, at most
// once per process. The gazetteer is static reference data, so the index
// is never invalidated.
type CityLookup struct {
	path string
	once sync.Once
	idx  *CityIndex
	err  error
}

// NewCityLookup creates a lookup over the given gazetteer file. The file
// is not read until the first query.
func NewCityLookup(path string) *CityLookup {
	return &CityLookup{path: path}
}

// Index returns the process-wide city index, building it on first use.
func (l *CityLookup) Index() (*CityIndex, error) {
	l.once.Do(func() {
		start := time.Now()
		entries, err := ReadCityDB(l.path)
		if err != nil {
			l.err = err
			return
		}
		l.idx = BuildCityIndex(entries)
		slog.Debug("city index built",
			"component", "geo",
			"cities", len(entries),
			"cells", l.idx.CellCount(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
	return l.idx, l.err
}

// NearestCity is a convenience wrapper around Index().NearestCity.
func (l *CityLookup) NearestCity(lat, lon float64) (string, bool, error) {
	idx, err := l.Index()
	if err != nil {
		return "", false, err
	}
	name, ok := idx.NearestCity(lat, lon)
	return name, ok, nil
}
