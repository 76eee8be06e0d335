package dispatch

import (
	"context"
	"errors"

	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/core/store"
)

// onDeadline is the scheduler callback armed by RequestRide.
func (e *Engine) onDeadline(ctx context.Context, rideID string) {
	if _, err := e.Expire(ctx, rideID); err != nil {
		e.logger.Errorf("expire ride %s: %v", rideID, err)
		monitoring.CaptureException(err, map[string]string{"op": "expire", "ride_id": rideID})
	}
}

// Expire moves a ride that is still SEARCHING to EXPIRED and tells every
// reachable puller. It returns false without error if the ride had already
// left SEARCHING, including when it loses a race against Accept.
func (e *Engine) Expire(ctx context.Context, rideID string) (bool, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return false, err
	}
	if ride.Status != model.RideSearching {
		e.logger.Debugw("expiry skipped", map[string]any{"ride_id": rideID, "status": ride.Status.String()})
		return false, nil
	}
	now := e.clock()
	updated, err := e.store.TransitionRide(ctx, rideID, model.RideSearching, store.RideUpdate{To: model.RideExpired, At: now})
	if errors.Is(err, store.ErrConflict) {
		e.logger.Debugw("expiry lost race", map[string]any{"ride_id": rideID})
		return false, nil
	}
	if err != nil {
		return false, err
	}

	msg := messages.RideExpired{RideID: rideID, ExpiredAt: now}
	pullers, err := e.store.ListReachablePullers(ctx)
	if err != nil {
		e.logger.Warnf("list pullers for expiry of %s: %v", rideID, err)
	}
	rec := logging.LogRecord{Timestamp: now, RideID: rideID, Action: logging.ActionExpired, PickupBlockID: ride.StartBlockID}
	for _, p := range pullers {
		rec.Candidates = append(rec.Candidates, logging.Candidate{PullerID: p.ID})
		if err := e.notify(ctx, p.ID, msg); err != nil {
			if rec.Errors == nil {
				rec.Errors = make(map[string]string)
			}
			rec.Errors[p.ID] = err.Error()
		}
	}
	e.broadcast(ctx, msg)
	if err := e.auditLog().Append(ctx, rec); err != nil {
		e.logger.Warnf("offer log append: %v", err)
	}
	e.logger.Infow("ride expired", map[string]any{"ride_id": rideID, "notified": len(pullers)})
	e.committed(ctx, updated, model.RideSearching)
	return true, nil
}
