package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/ridedispatch/core/model"
)

// Kind tags an outbound message.
type Kind string

const (
	KindOffer           Kind = "offer"
	KindRejectConfirmed Kind = "reject_confirmed"
	KindRideFilled      Kind = "ride_filled"
	KindRideExpired     Kind = "ride_expired"
	KindLifecycle       Kind = "lifecycle"
	KindCompletion      Kind = "completion"
	KindRequestFailed   Kind = "request_failed"
)

// Message is implemented by every outbound notification.
type Message interface {
	Kind() Kind
}

// BlockSummary is the block description embedded in offers.
type BlockSummary struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// SummarizeBlock converts a block into its wire form.
func SummarizeBlock(b model.Block) BlockSummary {
	return BlockSummary{ID: b.ID, Name: b.Name, Lat: b.Lat, Lon: b.Lon}
}

// Offer invites a puller to accept a ride. ExpiresAt is advisory.
type Offer struct {
	RideID          string       `json:"ride_id"`
	Pickup          BlockSummary `json:"pickup"`
	Destination     BlockSummary `json:"destination"`
	EstimatedPoints int          `json:"estimated_points"`
	DistanceMeters  int          `json:"distance_meters"`
	ExpiresAt       time.Time    `json:"expires_at"`
	CreatedAt       time.Time    `json:"created_at"`
}

type RejectConfirmed struct {
	RideID   string `json:"ride_id"`
	PullerID string `json:"puller_id"`
}

type RideFilled struct {
	RideID     string           `json:"ride_id"`
	PullerID   string           `json:"puller_id"`
	PullerName string           `json:"puller_name"`
	Status     model.RideStatus `json:"status"`
}

type RideExpired struct {
	RideID    string    `json:"ride_id"`
	ExpiredAt time.Time `json:"expired_at"`
}

// Lifecycle carries the full ride snapshot after a transition.
type Lifecycle struct {
	Ride model.Ride `json:"ride"`
}

type Completion struct {
	RideID                  string  `json:"ride_id"`
	PullerID                string  `json:"puller_id"`
	PointsAwarded           int     `json:"points_awarded"`
	DistanceFromDestination float64 `json:"distance_from_destination"`
}

// RequestFailed tells the issuer of a command why it was refused. Reason is
// a stable code such as "invalid_state"; Detail is human readable.
type RequestFailed struct {
	Command CommandKind `json:"command"`
	RideID  string      `json:"ride_id,omitempty"`
	Reason  string      `json:"reason"`
	Detail  string      `json:"detail,omitempty"`
}

func (Offer) Kind() Kind           { return KindOffer }
func (RejectConfirmed) Kind() Kind { return KindRejectConfirmed }
func (RideFilled) Kind() Kind      { return KindRideFilled }
func (RideExpired) Kind() Kind     { return KindRideExpired }
func (Lifecycle) Kind() Kind       { return KindLifecycle }
func (Completion) Kind() Kind      { return KindCompletion }
func (RequestFailed) Kind() Kind   { return KindRequestFailed }

// Envelope is the framed form of a message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode frames m in an Envelope.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(Envelope{Type: string(m.Kind()), Data: data})
}
