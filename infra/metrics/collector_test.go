package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kilianp07/ridedispatch/core/events"
	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

type captureSink struct {
	mu          sync.Mutex
	transitions []coremetrics.RideTransition
	offers      []coremetrics.OfferBatch
	settlements []coremetrics.Settlement
}

func (c *captureSink) RecordRideTransition(ev coremetrics.RideTransition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, ev)
	return nil
}

func (c *captureSink) RecordOfferBatch(ev coremetrics.OfferBatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, ev)
	return nil
}

func (c *captureSink) RecordSettlement(ev coremetrics.Settlement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settlements = append(c.settlements, ev)
	return nil
}

func (c *captureSink) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transitions), len(c.offers), len(c.settlements)
}

func TestStartEventCollector(t *testing.T) {
	bus := eventbus.NewTyped[events.Event]()
	sink := &captureSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartEventCollector(ctx, bus, sink)

	req := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	pid := "p1"
	rid := "r1"
	bus.Publish(events.RideEvent{
		Ride: model.Ride{ID: rid, Status: model.RideAccepted, PullerID: &pid, RequestTime: req},
		From: model.RideSearching,
		At:   req.Add(20 * time.Second),
	})
	bus.Publish(events.OfferEvent{RideID: rid, PullerIDs: []string{"p1", "p2"}, At: req})
	bus.Publish(events.SettlementEvent{
		Entry:   model.PointsHistory{PullerID: pid, RideID: &rid, PointsChange: 8, Reason: model.ReasonRideCompletion},
		Balance: 8,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a, b, c := sink.counts(); a == 1 && b == 1 && c == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.transitions) != 1 || len(sink.offers) != 1 || len(sink.settlements) != 1 {
		t.Fatalf("unexpected counts: %d %d %d", len(sink.transitions), len(sink.offers), len(sink.settlements))
	}
	tr := sink.transitions[0]
	if tr.PullerID != "p1" || tr.Age != 20*time.Second || tr.From != model.RideSearching {
		t.Errorf("unexpected transition: %+v", tr)
	}
	if sink.offers[0].Recipients != 2 {
		t.Errorf("unexpected offer batch: %+v", sink.offers[0])
	}
	if s := sink.settlements[0]; s.RideID != "r1" || s.Balance != 8 {
		t.Errorf("unexpected settlement: %+v", s)
	}
}

func TestRecordSkipsMissingRecorders(t *testing.T) {
	if err := record(coremetrics.NopSink{}, events.OfferEvent{RideID: "r1"}); err != nil {
		t.Fatalf("nop sink: %v", err)
	}
	only := rideOnlySink{}
	if err := record(only, events.SettlementEvent{}); err != nil {
		t.Fatalf("ride-only sink: %v", err)
	}
}

type rideOnlySink struct{}

func (rideOnlySink) RecordRideTransition(coremetrics.RideTransition) error { return nil }
