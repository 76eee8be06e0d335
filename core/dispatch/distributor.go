package dispatch

import (
	"context"
	"math"

	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
)

// distribute sends the initial batch of offers for a new ride. An empty pool
// leaves the ride SEARCHING until it expires.
func (e *Engine) distribute(ctx context.Context, ride model.Ride, pickup, dest model.Block) {
	pullers, err := e.store.ListAvailablePullers(ctx)
	if err != nil {
		e.logger.Errorf("list pullers for ride %s: %v", ride.ID, err)
		return
	}
	cands := RankCandidates(pickup, pullers, ride.RejectedBy, e.cfg.OfferBatchSize)
	if len(cands) == 0 {
		e.logger.Infow("no available pullers", map[string]any{"ride_id": ride.ID, "pickup": pickup.ID})
		return
	}
	e.sendOffers(ctx, ride, pickup, dest, cands, logging.ActionOffer)
}

// redistribute offers the ride to the single nearest puller that has not
// rejected it.
func (e *Engine) redistribute(ctx context.Context, ride model.Ride) {
	pickup, err := e.store.GetBlock(ctx, ride.StartBlockID)
	if err != nil {
		e.logger.Errorf("redistribute ride %s: %v", ride.ID, err)
		return
	}
	dest, err := e.store.GetBlock(ctx, ride.DestinationBlockID)
	if err != nil {
		e.logger.Errorf("redistribute ride %s: %v", ride.ID, err)
		return
	}
	pullers, err := e.store.ListAvailablePullers(ctx)
	if err != nil {
		e.logger.Errorf("list pullers for ride %s: %v", ride.ID, err)
		return
	}
	cands := RankCandidates(pickup, pullers, ride.RejectedBy, 1)
	if len(cands) == 0 {
		e.logger.Infow("no puller left for redistribution", map[string]any{"ride_id": ride.ID, "rejected": len(ride.RejectedBy)})
		return
	}
	e.sendOffers(ctx, ride, pickup, dest, cands, logging.ActionRedistribution)
}

func (e *Engine) sendOffers(ctx context.Context, ride model.Ride, pickup, dest model.Block, cands []Candidate, action string) {
	now := e.clock()
	rec := logging.LogRecord{Timestamp: now, RideID: ride.ID, Action: action, PickupBlockID: pickup.ID}
	delivered := make([]string, 0, len(cands))
	for _, c := range cands {
		offer := messages.Offer{
			RideID:          ride.ID,
			Pickup:          messages.SummarizeBlock(pickup),
			Destination:     messages.SummarizeBlock(dest),
			EstimatedPoints: c.EstimatedPoints,
			DistanceMeters:  int(math.Round(c.DistanceMeters)),
			ExpiresAt:       now.Add(e.cfg.OfferTTL()),
			CreatedAt:       now,
		}
		rec.Candidates = append(rec.Candidates, logging.Candidate{
			PullerID:        c.Puller.ID,
			DistanceMeters:  c.DistanceMeters,
			EstimatedPoints: c.EstimatedPoints,
		})
		if err := e.notify(ctx, c.Puller.ID, offer); err != nil {
			if rec.Errors == nil {
				rec.Errors = make(map[string]string)
			}
			rec.Errors[c.Puller.ID] = err.Error()
			continue
		}
		delivered = append(delivered, c.Puller.ID)
	}
	offersSent.WithLabelValues(action).Add(float64(len(delivered)))
	if err := e.auditLog().Append(ctx, rec); err != nil {
		e.logger.Warnf("offer log append: %v", err)
	}
	e.logger.Debugw("offers sent", map[string]any{"ride_id": ride.ID, "action": action, "delivered": len(delivered), "candidates": len(cands)})
	e.publish(events.OfferEvent{
		RideID:         ride.ID,
		PullerIDs:      delivered,
		Redistribution: action == logging.ActionRedistribution,
		At:             now,
	})
}
