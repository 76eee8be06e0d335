package model

import "time"

// PointsReason classifies a ledger entry.
type PointsReason string

const (
	ReasonRideCompletion   PointsReason = "RIDE_COMPLETION"
	ReasonManualAdjustment PointsReason = "MANUAL_ADJUSTMENT"
	ReasonRedemption       PointsReason = "REDEMPTION"
	ReasonFraudReversal    PointsReason = "FRAUD_REVERSAL"
)

// Valid returns true for known reasons.
func (r PointsReason) Valid() bool {
	switch r {
	case ReasonRideCompletion, ReasonManualAdjustment, ReasonRedemption, ReasonFraudReversal:
		return true
	}
	return false
}

// PointsHistory is an append-only ledger row. For every puller the balance
// equals the sum of PointsChange over its rows.
type PointsHistory struct {
	ID           string       `json:"id"`
	PullerID     string       `json:"puller_id"`
	RideID       *string      `json:"ride_id,omitempty"`
	PointsChange int          `json:"points_change"`
	Reason       PointsReason `json:"reason"`
	CreatedAt    time.Time    `json:"created_at"`
}
