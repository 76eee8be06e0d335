package events

import (
	"time"

	"github.com/kilianp07/ridedispatch/core/model"
)

// RideEvent is published after every committed ride transition. From is
// empty for a freshly created ride.
type RideEvent struct {
	Ride model.Ride
	From model.RideStatus
	At   time.Time
}

// OfferEvent is published when offers are sent for a ride. Redistribution
// marks an offer following a rejection.
type OfferEvent struct {
	RideID         string
	PullerIDs      []string
	Redistribution bool
	At             time.Time
}

// SettlementEvent is published after a points ledger entry commits.
type SettlementEvent struct {
	Entry   model.PointsHistory
	Balance int
}

// Event is implemented by every type published on the dispatch bus.
type Event interface {
	EventName() string
}

func (RideEvent) EventName() string       { return "ride" }
func (OfferEvent) EventName() string      { return "offer" }
func (SettlementEvent) EventName() string { return "settlement" }
