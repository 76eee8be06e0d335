package metrics

import (
	"errors"
	"time"

	"github.com/kilianp07/ridedispatch/core/model"
)

// RideTransition is recorded after every committed ride status change.
// From is empty for a new ride. Age is measured from the request time.
type RideTransition struct {
	RideID   string
	PullerID string
	From     model.RideStatus
	To       model.RideStatus
	Age      time.Duration
	Time     time.Time
}

// OfferBatch describes one fan-out of offers for a ride.
type OfferBatch struct {
	RideID         string
	Recipients     int
	Redistribution bool
	Time           time.Time
}

// Settlement describes one committed points ledger entry.
type Settlement struct {
	PullerID string
	RideID   string
	Reason   model.PointsReason
	Points   int
	Balance  int
	Time     time.Time
}

// MetricsSink records ride transitions for observability purposes.
type MetricsSink interface {
	RecordRideTransition(ev RideTransition) error
}

// OfferRecorder records offer fan-outs.
type OfferRecorder interface {
	RecordOfferBatch(ev OfferBatch) error
}

// SettlementRecorder records points ledger entries.
type SettlementRecorder interface {
	RecordSettlement(ev Settlement) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordRideTransition(RideTransition) error { return nil }
func (NopSink) RecordOfferBatch(OfferBatch) error         { return nil }
func (NopSink) RecordSettlement(Settlement) error         { return nil }

// MultiSink fans records out to multiple sinks. Optional recorders are only
// forwarded to sinks that implement them.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) RecordRideTransition(ev RideTransition) error {
	var errs []error
	for _, s := range m.Sinks {
		errs = append(errs, s.RecordRideTransition(ev))
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordOfferBatch(ev OfferBatch) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(OfferRecorder); ok {
			errs = append(errs, rec.RecordOfferBatch(ev))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordSettlement(ev Settlement) error {
	var errs []error
	for _, s := range m.Sinks {
		if rec, ok := s.(SettlementRecorder); ok {
			errs = append(errs, rec.RecordSettlement(ev))
		}
	}
	return errors.Join(errs...)
}
