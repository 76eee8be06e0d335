// Package logging persists an audit trail of offer fan-outs so operators can
// reconstruct who was invited to which ride.
package logging

import (
	"context"
	"slices"
	"time"
)

// Action values recorded in LogRecord.
const (
	ActionOffer          = "offer"
	ActionRedistribution = "redistribution"
	ActionExpired        = "expired"
)

// Candidate is one ranked puller considered for an offer.
type Candidate struct {
	PullerID        string  `json:"puller_id"`
	DistanceMeters  float64 `json:"distance_meters"`
	EstimatedPoints int     `json:"estimated_points"`
}

// LogRecord captures one dispatch decision and its delivery result.
type LogRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	RideID        string            `json:"ride_id"`
	Action        string            `json:"action"`
	PickupBlockID string            `json:"pickup_block_id"`
	Candidates    []Candidate       `json:"candidates"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// LogQuery defines filters for retrieving records. Zero fields match all.
type LogQuery struct {
	Start    time.Time
	End      time.Time
	RideID   string
	PullerID string
	Action   string
}

// Match reports whether r satisfies q.
func (q LogQuery) Match(r LogRecord) bool {
	if !q.Start.IsZero() && r.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Timestamp.After(q.End) {
		return false
	}
	if q.RideID != "" && r.RideID != q.RideID {
		return false
	}
	if q.Action != "" && r.Action != q.Action {
		return false
	}
	if q.PullerID != "" {
		return slices.ContainsFunc(r.Candidates, func(c Candidate) bool { return c.PullerID == q.PullerID })
	}
	return true
}

// LogStore persists LogRecords and supports querying.
type LogStore interface {
	Append(ctx context.Context, rec LogRecord) error
	Query(ctx context.Context, q LogQuery) ([]LogRecord, error)
	Close() error
}

// NopStore discards records.
type NopStore struct{}

func (NopStore) Append(context.Context, LogRecord) error            { return nil }
func (NopStore) Query(context.Context, LogQuery) ([]LogRecord, error) { return nil, nil }
func (NopStore) Close() error                                       { return nil }
