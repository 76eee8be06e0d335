package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/logger"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/core/store"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

// Engine drives rides from request to settlement. Every state change goes
// through a compare-and-set on the store; notifications are sent only once
// the change has committed and never roll it back.
type Engine struct {
	cfg      Config
	store    store.Store
	notifier notify.Notifier
	sched    scheduler.Scheduler
	bus      *eventbus.TypedBus[events.Event]
	logger   logger.Logger

	mu    sync.RWMutex
	audit logging.LogStore
	now   func() time.Time
}

// NewEngine wires the engine and registers its expiry handler on sched. bus
// may be nil.
func NewEngine(cfg Config, st store.Store, n notify.Notifier, sched scheduler.Scheduler, bus *eventbus.TypedBus[events.Event], log logger.Logger) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || n == nil || sched == nil || log == nil {
		return nil, fmt.Errorf("dispatch: store, notifier, scheduler and logger are required")
	}
	e := &Engine{
		cfg:      cfg,
		store:    st,
		notifier: n,
		sched:    sched,
		bus:      bus,
		logger:   log,
		audit:    logging.NopStore{},
		now:      time.Now,
	}
	sched.Handle(e.onDeadline)
	return e, nil
}

// SetLogStore configures the store used to persist the offer audit trail.
func (e *Engine) SetLogStore(s logging.LogStore) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.audit = s
	e.mu.Unlock()
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

func (e *Engine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

func (e *Engine) auditLog() logging.LogStore {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.audit
}

// RequestRide creates a SEARCHING ride, arms its expiry and sends the first
// batch of offers.
func (e *Engine) RequestRide(ctx context.Context, req messages.RideRequest) (model.Ride, error) {
	if err := messages.Validate(req); err != nil {
		return model.Ride{}, err
	}
	pickup, err := e.store.GetBlock(ctx, req.StartBlockID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("start block: %w", err)
	}
	dest, err := e.store.GetBlock(ctx, req.DestinationBlockID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("destination block: %w", err)
	}
	now := e.clock()
	ride := model.Ride{
		ID:                 uuid.NewString(),
		Status:             model.RideSearching,
		StartBlockID:       pickup.ID,
		DestinationBlockID: dest.ID,
		RiderID:            req.RiderID,
		RequestTime:        now,
	}
	if err := e.store.CreateRide(ctx, ride); err != nil {
		return model.Ride{}, fmt.Errorf("create ride: %w", err)
	}
	rideRequests.Inc()
	if err := e.sched.Schedule(ctx, ride.ID, now.Add(e.cfg.Expiry())); err != nil {
		e.logger.Errorw("arm expiry failed", map[string]any{"ride_id": ride.ID, "error": err.Error()})
	}
	e.committed(ctx, ride, "")
	e.distribute(ctx, ride, pickup, dest)
	return ride, nil
}

// Accept assigns pullerID to a SEARCHING ride. Of several concurrent
// accepts exactly one succeeds; the others get ErrInvalidState.
func (e *Engine) Accept(ctx context.Context, rideID, pullerID string) (model.Ride, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("accept: %w", err)
	}
	if ride.HasRejected(pullerID) {
		return model.Ride{}, fmt.Errorf("accept ride %s by %s: %w", rideID, pullerID, ErrAlreadyRejected)
	}
	puller, err := e.store.GetPuller(ctx, pullerID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("accept ride %s: %w", rideID, err)
	}
	updated, err := e.store.TransitionRide(ctx, rideID, model.RideSearching, store.RideUpdate{
		To:                 model.RideAccepted,
		At:                 e.clock(),
		PullerID:           &puller.ID,
		RequireNotRejected: puller.ID,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrRejected) {
			acceptConflicts.Inc()
		}
		return model.Ride{}, fmt.Errorf("accept ride %s: %w", rideID, stateErr(err))
	}
	e.logger.Infow("ride accepted", map[string]any{"ride_id": rideID, "puller_id": pullerID})
	e.broadcast(ctx, messages.RideFilled{
		RideID:     rideID,
		PullerID:   puller.ID,
		PullerName: puller.Name,
		Status:     updated.Status,
	})
	e.committed(ctx, updated, model.RideSearching)
	return updated, nil
}

// Reject records that pullerID declined a SEARCHING ride and offers it to
// the nearest puller that has not declined. A repeated reject is confirmed
// again but does not redistribute.
func (e *Engine) Reject(ctx context.Context, rideID, pullerID string) (model.Ride, error) {
	if _, err := e.store.GetPuller(ctx, pullerID); err != nil {
		return model.Ride{}, fmt.Errorf("reject ride %s: %w", rideID, err)
	}
	ride, added, err := e.store.AddRejection(ctx, rideID, pullerID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("reject ride %s: %w", rideID, stateErr(err))
	}
	e.notify(ctx, pullerID, messages.RejectConfirmed{RideID: rideID, PullerID: pullerID})
	if !added {
		e.logger.Debugw("duplicate reject", map[string]any{"ride_id": rideID, "puller_id": pullerID})
		return ride, nil
	}
	e.redistribute(ctx, ride)
	return ride, nil
}

// Pickup marks an ACCEPTED ride as ACTIVE.
func (e *Engine) Pickup(ctx context.Context, rideID string) (model.Ride, error) {
	updated, err := e.store.TransitionRide(ctx, rideID, model.RideAccepted, store.RideUpdate{
		To: model.RideActive,
		At: e.clock(),
	})
	if err != nil {
		return model.Ride{}, fmt.Errorf("pickup ride %s: %w", rideID, stateErr(err))
	}
	e.committed(ctx, updated, model.RideAccepted)
	return updated, nil
}

// Cancel moves a non-terminal ride to CANCELLED and releases its puller.
func (e *Engine) Cancel(ctx context.Context, rideID, reason string) (model.Ride, error) {
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return model.Ride{}, fmt.Errorf("cancel: %w", err)
	}
	if ride.Status.IsTerminal() {
		return model.Ride{}, fmt.Errorf("cancel ride %s in %s: %w", rideID, ride.Status, ErrInvalidState)
	}
	u := store.RideUpdate{To: model.RideCancelled, At: e.clock(), ClearPuller: true}
	if reason != "" {
		u.CancelReason = &reason
	}
	updated, err := e.store.TransitionRide(ctx, rideID, ride.Status, u)
	if err != nil {
		return model.Ride{}, fmt.Errorf("cancel ride %s: %w", rideID, stateErr(err))
	}
	if pid := ride.AssignedPuller(); pid != "" {
		e.notify(ctx, pid, messages.Lifecycle{Ride: updated})
	}
	e.committed(ctx, updated, ride.Status)
	return updated, nil
}

// GetRide returns the current snapshot of a ride.
func (e *Engine) GetRide(ctx context.Context, rideID string) (model.Ride, error) {
	return e.store.GetRide(ctx, rideID)
}

// ListPullers returns every known puller ordered by id.
func (e *Engine) ListPullers(ctx context.Context) ([]model.Puller, error) {
	return e.store.ListPullers(ctx)
}

// UpdatePullerStatus records presence and location reported by a puller.
func (e *Engine) UpdatePullerStatus(ctx context.Context, st messages.PullerStatusUpdate) (model.Puller, error) {
	if err := messages.Validate(st); err != nil {
		return model.Puller{}, err
	}
	p, err := e.store.UpdatePullerStatus(ctx, model.PullerStatus{
		PullerID: st.PullerID,
		Online:   st.Online,
		Active:   st.Active,
		Lat:      st.Lat,
		Lon:      st.Lon,
	})
	if err != nil {
		return model.Puller{}, fmt.Errorf("puller status: %w", err)
	}
	return p, nil
}

// committed runs the side effects shared by every successful transition.
func (e *Engine) committed(ctx context.Context, r model.Ride, from model.RideStatus) {
	rideTransitions.WithLabelValues(r.Status.String()).Inc()
	e.broadcast(ctx, messages.Lifecycle{Ride: r})
	e.publish(events.RideEvent{Ride: r, From: from, At: e.clock()})
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) notify(ctx context.Context, pullerID string, msg messages.Message) error {
	err := e.notifier.Notify(ctx, pullerID, msg)
	if err != nil {
		notifyFailures.WithLabelValues(string(msg.Kind())).Inc()
		e.logger.Warnf("notify %s to %s: %v", msg.Kind(), pullerID, err)
	}
	return err
}

func (e *Engine) broadcast(ctx context.Context, msg messages.Message) {
	if err := e.notifier.Broadcast(ctx, msg); err != nil {
		notifyFailures.WithLabelValues(string(msg.Kind())).Inc()
		e.logger.Warnf("broadcast %s: %v", msg.Kind(), err)
	}
}
