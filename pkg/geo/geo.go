// Package geo provides great-circle distance math, the city gazetteer
// spatial index and the known-location matcher used by the enrichment
// pipeline.
package geo

import "math"

// earthRadiusKm is the mean Earth radius in kilometers.
const earthRadiusKm = 6371.01

// Haversine returns the great-circle distance in kilometers between two
// points given as latitude/longitude in degrees.
// See https://en.wikipedia.org/wiki/Haversine_formula
func Haversine(aLat, aLon, bLat, bLon float64) float64 {
	lat1 := aLat * math.Pi / 180
	lon1 := aLon * math.Pi / 180
	lat2 := bLat * math.Pi / 180
	lon2 := bLon * math.Pi / 180

	deltaLat := lat2 - lat1
	deltaLon := lon2 - lon1

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// ReducePrecision rounds both coordinate components to the given number of
// decimal digits. Rounding is half away from zero (math.Round); used to
// stabilize cache keys and bucket membership, so it must stay consistent
// across call sites.
func ReducePrecision(lat, lon float64, digits int) (float64, float64) {
	scale := math.Pow10(digits)
	return math.Round(lat*scale) / scale, math.Round(lon*scale) / scale
}
