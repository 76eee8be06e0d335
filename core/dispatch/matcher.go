package dispatch

import (
	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/ridedispatch/core/geo"
	"github.com/kilianp07/ridedispatch/core/model"
)

// Candidate is a puller ranked by distance to a pickup block.
type Candidate struct {
	Puller          model.Puller
	DistanceMeters  float64
	EstimatedPoints int
}

// RankCandidates orders the located pullers by ascending haversine
// distance to pickup, skipping excluded ids and keeping at most limit
// entries. Equal distances keep the input order.
func RankCandidates(pickup model.Block, pullers []model.Puller, exclude []string, limit int) []Candidate {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	origin := geo.Point{Lat: pickup.Lat, Lon: pickup.Lon}
	pool := make([]model.Puller, 0, len(pullers))
	dists := make([]float64, 0, len(pullers))
	for _, p := range pullers {
		if !p.HasLocation() {
			continue
		}
		if _, ok := skip[p.ID]; ok {
			continue
		}
		pool = append(pool, p)
		dists = append(dists, geo.Haversine(origin, geo.Point{Lat: *p.Lat, Lon: *p.Lon}))
	}
	if len(pool) == 0 || limit <= 0 {
		return nil
	}
	idx := make([]int, len(dists))
	floats.ArgsortStable(dists, idx)
	if limit > len(pool) {
		limit = len(pool)
	}
	out := make([]Candidate, limit)
	for i := 0; i < limit; i++ {
		out[i] = Candidate{
			Puller:          pool[idx[i]],
			DistanceMeters:  dists[i],
			EstimatedPoints: geo.EstimateOfferPoints(dists[i]),
		}
	}
	return out
}
