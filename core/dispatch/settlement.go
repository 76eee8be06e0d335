package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/geo"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/store"
)

// Complete finishes an ACTIVE ride and credits the puller according to how
// close the drop-off was to the destination block. The ride update, balance
// update and history row commit together or not at all.
func (e *Engine) Complete(ctx context.Context, rideID string, finalLat, finalLon float64) (model.Ride, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("complete: %w", err)
	}
	if ride.Status != model.RideActive {
		return model.Ride{}, fmt.Errorf("complete ride %s in %s: %w", rideID, ride.Status, ErrInvalidState)
	}
	pullerID := ride.AssignedPuller()
	if pullerID == "" {
		return model.Ride{}, fmt.Errorf("complete ride %s: %w", rideID, ErrMissingAssignment)
	}
	dest, err := e.store.GetBlock(ctx, ride.DestinationBlockID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("complete ride %s: destination: %w", rideID, err)
	}
	miss := geo.Haversine(geo.Point{Lat: finalLat, Lon: finalLon}, geo.Point{Lat: dest.Lat, Lon: dest.Lon})
	points := geo.CompletionPoints(miss)
	now := e.clock()
	entry := model.PointsHistory{
		ID:           uuid.NewString(),
		PullerID:     pullerID,
		RideID:       &ride.ID,
		PointsChange: points,
		Reason:       model.ReasonRideCompletion,
		CreatedAt:    now,
	}

	var completed model.Ride
	var balance int
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := tx.TransitionRide(ctx, rideID, model.RideActive, store.RideUpdate{
			To:            model.RideCompleted,
			At:            now,
			PointsAwarded: &points,
		})
		if err != nil {
			return err
		}
		p, err := tx.AddPoints(ctx, pullerID, points)
		if err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}
		completed, balance = r, p.PointsBalance
		return nil
	})
	if err != nil {
		settlementResults.WithLabelValues("rolled_back").Inc()
		e.logger.Errorw("settlement rolled back", map[string]any{"ride_id": rideID, "puller_id": pullerID, "error": err.Error()})
		monitoring.CaptureException(err, map[string]string{"op": "settlement", "ride_id": rideID, "puller_id": pullerID})
		return model.Ride{}, fmt.Errorf("complete ride %s: %w", rideID, stateErr(err))
	}
	settlementResults.WithLabelValues("committed").Inc()
	pointsAwarded.Observe(float64(points))
	e.logger.Infow("ride completed", map[string]any{"ride_id": rideID, "puller_id": pullerID, "points": points, "miss_m": miss})

	e.notify(ctx, pullerID, messages.Completion{
		RideID:                  rideID,
		PullerID:                pullerID,
		PointsAwarded:           points,
		DistanceFromDestination: miss,
	})
	e.committed(ctx, completed, model.RideActive)
	e.publish(events.SettlementEvent{Entry: entry, Balance: balance})
	return completed, nil
}

// AdjustPoints applies an administrative ledger entry. It is not tied to any
// ride and bypasses ride-state guards. An empty reason means
// MANUAL_ADJUSTMENT; RIDE_COMPLETION is reserved for Complete.
func (e *Engine) AdjustPoints(ctx context.Context, pullerID string, delta int, reason model.PointsReason) (model.PointsHistory, int, error) {
	if reason == "" {
		reason = model.ReasonManualAdjustment
	}
	if !reason.Valid() || reason == model.ReasonRideCompletion {
		return model.PointsHistory{}, 0, fmt.Errorf("adjust points: reason %q: %w", reason, ErrInvalidCommand)
	}
	if delta == 0 {
		return model.PointsHistory{}, 0, fmt.Errorf("adjust points: zero delta: %w", ErrInvalidCommand)
	}
	entry := model.PointsHistory{
		ID:           uuid.NewString(),
		PullerID:     pullerID,
		PointsChange: delta,
		Reason:       reason,
		CreatedAt:    e.clock(),
	}
	var balance int
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.AddPoints(ctx, pullerID, delta)
		if err != nil {
			return err
		}
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}
		balance = p.PointsBalance
		return nil
	})
	if err != nil {
		settlementResults.WithLabelValues("rolled_back").Inc()
		monitoring.CaptureException(err, map[string]string{"op": "adjust_points", "puller_id": pullerID})
		return model.PointsHistory{}, 0, fmt.Errorf("adjust points for %s: %w", pullerID, err)
	}
	settlementResults.WithLabelValues("committed").Inc()
	e.logger.Infow("points adjusted", map[string]any{"puller_id": pullerID, "delta": delta, "reason": string(reason), "balance": balance})
	e.publish(events.SettlementEvent{Entry: entry, Balance: balance})
	return entry, balance, nil
}

// Ledger returns a puller with its points history, oldest first.
func (e *Engine) Ledger(ctx context.Context, pullerID string) (model.Puller, []model.PointsHistory, error) {
	p, err := e.store.GetPuller(ctx, pullerID)
	if err != nil {
		return model.Puller{}, nil, err
	}
	h, err := e.store.History(ctx, pullerID)
	if err != nil {
		return model.Puller{}, nil, err
	}
	return p, h, nil
}

// VerifyBalance checks that a puller's balance equals the sum of its
// history. It returns ErrLedgerMismatch otherwise.
func (e *Engine) VerifyBalance(ctx context.Context, pullerID string) error {
	p, h, err := e.Ledger(ctx, pullerID)
	if err != nil {
		return err
	}
	sum := 0
	for _, row := range h {
		sum += row.PointsChange
	}
	if sum != p.PointsBalance {
		return fmt.Errorf("puller %s: balance %d, history %d: %w", pullerID, p.PointsBalance, sum, ErrLedgerMismatch)
	}
	return nil
}
