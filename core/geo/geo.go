// Package geo contains the great-circle distance and the point formulas
// derived from it.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Haversine returns the great-circle distance in meters between a and b.
func Haversine(a, b Point) float64 {
	phi1 := toRadians(a.Lat)
	phi2 := toRadians(b.Lat)
	dPhi := toRadians(b.Lat - a.Lat)
	dLambda := toRadians(b.Lon - a.Lon)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// EstimateOfferPoints is the courtesy estimate shown with an offer:
// max(5, 10 - floor(d/100)).
func EstimateOfferPoints(distanceMeters float64) int {
	p := 10 - int(math.Floor(distanceMeters/100))
	if p < 5 {
		return 5
	}
	return p
}

// CompletionPoints is the reward for dropping off distanceMeters away from
// the destination: max(0, floor(10 - d/10)).
func CompletionPoints(distanceMeters float64) int {
	p := int(math.Floor(10 - distanceMeters/10))
	if p < 0 {
		return 0
	}
	return p
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
