package model

import "time"

// RideStatus is the lifecycle state of a ride.
type RideStatus string

const (
	RideSearching RideStatus = "SEARCHING"
	RideAccepted  RideStatus = "ACCEPTED"
	RideActive    RideStatus = "ACTIVE"
	RideCompleted RideStatus = "COMPLETED"
	RideExpired   RideStatus = "EXPIRED"
	RideCancelled RideStatus = "CANCELLED"
)

// rideTransitions is the lifecycle graph. Terminal states have no entry.
var rideTransitions = map[RideStatus][]RideStatus{
	RideSearching: {RideAccepted, RideExpired, RideCancelled},
	RideAccepted:  {RideActive, RideCancelled},
	RideActive:    {RideCompleted, RideCancelled},
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to RideStatus) bool {
	for _, s := range rideTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true once no further transition is possible.
func (s RideStatus) IsTerminal() bool {
	_, ok := rideTransitions[s]
	return !ok
}

// HasPuller reports whether rides in this status carry an assigned puller.
func (s RideStatus) HasPuller() bool {
	return s == RideAccepted || s == RideActive || s == RideCompleted
}

func (s RideStatus) String() string { return string(s) }

// Ride is a single dispatch unit. Rides are never deleted.
type Ride struct {
	ID                 string     `json:"id"`
	Status             RideStatus `json:"status"`
	StartBlockID       string     `json:"start_block_id"`
	DestinationBlockID string     `json:"destination_block_id"`
	PullerID           *string    `json:"puller_id,omitempty"`
	RiderID            *string    `json:"rider_id,omitempty"`
	RequestTime        time.Time  `json:"request_time"`
	AcceptTime         *time.Time `json:"accept_time,omitempty"`
	PickupTime         *time.Time `json:"pickup_time,omitempty"`
	CompletionTime     *time.Time `json:"completion_time,omitempty"`
	PointsAwarded      *int       `json:"points_awarded,omitempty"`
	CancelReason       *string    `json:"cancel_reason,omitempty"`
	// RejectedBy only grows and holds each puller id once.
	RejectedBy []string `json:"rejected_by"`
}

// HasRejected returns true if the puller already declined this ride.
func (r Ride) HasRejected(pullerID string) bool {
	for _, id := range r.RejectedBy {
		if id == pullerID {
			return true
		}
	}
	return false
}

// AssignedPuller returns the puller id or an empty string.
func (r Ride) AssignedPuller() string {
	if r.PullerID == nil {
		return ""
	}
	return *r.PullerID
}

// Clone returns a deep copy so callers can't alias store state.
func (r Ride) Clone() Ride {
	c := r
	c.PullerID = clonePtr(r.PullerID)
	c.RiderID = clonePtr(r.RiderID)
	c.AcceptTime = clonePtr(r.AcceptTime)
	c.PickupTime = clonePtr(r.PickupTime)
	c.CompletionTime = clonePtr(r.CompletionTime)
	c.PointsAwarded = clonePtr(r.PointsAwarded)
	c.CancelReason = clonePtr(r.CancelReason)
	c.RejectedBy = make([]string, len(r.RejectedBy))
	copy(c.RejectedBy, r.RejectedBy)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
