package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kilianp07/ridedispatch/core/geo"
)

var fleetRng = rand.New(rand.NewSource(time.Now().UnixNano()))

const metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

// FleetConfig holds parameters for bulk fleet generation.
type FleetConfig struct {
	Size         int
	CenterLat    float64
	CenterLon    float64
	SpreadMeters float64
	// OfflineRate is the share of pullers that start offline.
	OfflineRate float64
}

// GenerateFleet creates Size pullers with IDs puller0001..pullerNNNN placed
// uniformly within SpreadMeters of the center on both axes.
func GenerateFleet(cfg FleetConfig) []*SimulatedPuller {
	if cfg.Size <= 0 {
		return nil
	}
	ps := make([]*SimulatedPuller, cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		north := (fleetRng.Float64()*2 - 1) * cfg.SpreadMeters
		east := (fleetRng.Float64()*2 - 1) * cfg.SpreadMeters
		lat, lon := offset(cfg.CenterLat, cfg.CenterLon, north, east)
		online := cfg.OfflineRate <= 0 || fleetRng.Float64() >= cfg.OfflineRate
		ps[i] = &SimulatedPuller{
			ID:     fmt.Sprintf("puller%04d", i+1),
			Lat:    lat,
			Lon:    lon,
			Online: online,
		}
	}
	return ps
}

// offset moves a point by the given meters on a flat-earth approximation.
func offset(lat, lon, north, east float64) (float64, float64) {
	dLat := north / metersPerDegree
	dLon := east / (metersPerDegree * math.Cos(lat*math.Pi/180))
	return lat + dLat, lon + dLon
}
