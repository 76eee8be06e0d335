package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
	"github.com/kilianp07/ridedispatch/core/model"
)

func TestPromSink_RecordRideTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	_ = sink.RecordRideTransition(coremetrics.RideTransition{RideID: "r1", To: model.RideSearching})
	_ = sink.RecordRideTransition(coremetrics.RideTransition{RideID: "r1", From: model.RideSearching, To: model.RideAccepted, Age: 12 * time.Second})

	expected := `
# HELP ride_status_changes_total Ride status changes observed on the dispatch bus
# TYPE ride_status_changes_total counter
ride_status_changes_total{from="NEW",to="SEARCHING"} 1
ride_status_changes_total{from="SEARCHING",to="ACCEPTED"} 1
`
	if err := testutil.CollectAndCompare(sink.transitions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
	if c := testutil.CollectAndCount(sink.rideAge); c != 2 {
		t.Errorf("expected 2 age series, got %d", c)
	}
}

func TestPromSink_OffersAndSettlements(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	_ = sink.RecordOfferBatch(coremetrics.OfferBatch{RideID: "r1", Recipients: 10})
	_ = sink.RecordSettlement(coremetrics.Settlement{PullerID: "p1", Reason: model.ReasonRideCompletion, Points: 9, Balance: 9})
	_ = sink.RecordSettlement(coremetrics.Settlement{PullerID: "p1", Reason: model.ReasonRedemption, Points: -4, Balance: 5})

	if c := testutil.CollectAndCount(sink.offerBatch); c != 1 {
		t.Errorf("offer batch not recorded")
	}
	if v := testutil.ToFloat64(sink.points.WithLabelValues("REDEMPTION")); v != 4 {
		t.Errorf("redemption points = %v", v)
	}
	if v := testutil.ToFloat64(sink.balance.WithLabelValues("p1")); v != 5 {
		t.Errorf("balance gauge = %v", v)
	}
}

func TestPromSink_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("first sink: %v", err)
	}
	b, err := NewPromSinkWithRegistry(reg)
	if err != nil {
		t.Fatalf("second sink: %v", err)
	}
	_ = a.RecordOfferBatch(coremetrics.OfferBatch{Recipients: 1})
	_ = b.RecordOfferBatch(coremetrics.OfferBatch{Recipients: 1})
	if c := testutil.CollectAndCount(b.offerBatch); c != 1 {
		t.Errorf("expected shared histogram, got %d series", c)
	}
}
