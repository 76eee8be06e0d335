package metrics

import (
	"context"

	"github.com/kilianp07/ridedispatch/core/events"
	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

// StartEventCollector subscribes to the dispatch bus and records metrics for
// events. It stops when the context is canceled or the bus is closed.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.Event], sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				_ = record(sink, ev)
			}
		}
	}()
}

// record converts a bus event into the matching sink record.
func record(sink coremetrics.MetricsSink, ev events.Event) error {
	switch e := ev.(type) {
	case events.RideEvent:
		return sink.RecordRideTransition(coremetrics.RideTransition{
			RideID:   e.Ride.ID,
			PullerID: e.Ride.AssignedPuller(),
			From:     e.From,
			To:       e.Ride.Status,
			Age:      e.At.Sub(e.Ride.RequestTime),
			Time:     e.At,
		})
	case events.OfferEvent:
		if r, ok := sink.(coremetrics.OfferRecorder); ok {
			return r.RecordOfferBatch(coremetrics.OfferBatch{
				RideID:         e.RideID,
				Recipients:     len(e.PullerIDs),
				Redistribution: e.Redistribution,
				Time:           e.At,
			})
		}
	case events.SettlementEvent:
		if r, ok := sink.(coremetrics.SettlementRecorder); ok {
			rideID := ""
			if e.Entry.RideID != nil {
				rideID = *e.Entry.RideID
			}
			return r.RecordSettlement(coremetrics.Settlement{
				PullerID: e.Entry.PullerID,
				RideID:   rideID,
				Reason:   e.Entry.Reason,
				Points:   e.Entry.PointsChange,
				Balance:  e.Balance,
				Time:     e.Entry.CreatedAt,
			})
		}
	}
	return nil
}
