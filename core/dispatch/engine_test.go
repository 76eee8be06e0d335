package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/core/store"
	infralogger "github.com/kilianp07/ridedispatch/infra/logger"
)

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Config{}, nil, notify.NopNotifier{}, scheduler.NewManualScheduler(), nil, infralogger.NopLogger{})
	assert.Error(t, err)
	_, err = NewEngine(Config{OfferBatchSize: -1}, store.NewMemoryStore(), notify.NopNotifier{}, scheduler.NewManualScheduler(), nil, infralogger.NopLogger{})
	assert.Error(t, err)
}

func TestRequestRideOffersNearestBatch(t *testing.T) {
	var pullers []model.Puller
	for i := 0; i < 12; i++ {
		pullers = append(pullers, pullerAt(fmt.Sprintf("p%02d", i), 50+100*float64(i)))
	}
	offline := pullerAt("offline", 1)
	offline.IsOnline = false
	inactive := pullerAt("inactive", 1)
	inactive.IsActive = false
	pullers = append(pullers, offline, inactive, model.Puller{ID: "unlocated", IsOnline: true, IsActive: true})
	f := newFixture(t, pullers...)

	r := f.request(t)
	assert.Equal(t, model.RideSearching, r.Status)
	assert.Equal(t, f.now, r.RequestTime)

	recipients := f.notif.Recipients(messages.KindOffer)
	want := []string{"p00", "p01", "p02", "p03", "p04", "p05", "p06", "p07", "p08", "p09"}
	assert.Equal(t, want, recipients)

	offers := f.notif.To("p02", messages.KindOffer)
	require.Len(t, offers, 1)
	o := offers[0].(messages.Offer)
	assert.Equal(t, r.ID, o.RideID)
	assert.Equal(t, 250, o.DistanceMeters)
	assert.Equal(t, 8, o.EstimatedPoints)
	assert.Equal(t, messages.SummarizeBlock(pickupBlock), o.Pickup)
	assert.Equal(t, messages.SummarizeBlock(destBlock), o.Destination)
	assert.Equal(t, f.now.Add(5*time.Minute), o.ExpiresAt)
	assert.Equal(t, f.now, o.CreatedAt)

	deadline, ok := f.sched.Deadline(r.ID)
	require.True(t, ok)
	assert.Equal(t, f.now.Add(60*time.Second), deadline)

	assert.Len(t, f.notif.Broadcasts(messages.KindLifecycle), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(rideRequests))
	assert.Equal(t, 10.0, testutil.ToFloat64(offersSent.WithLabelValues(logging.ActionOffer)))
}

func TestRequestRideUnknownBlock(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.RequestRide(context.Background(), messages.RideRequest{StartBlockID: "missing", DestinationBlockID: destBlock.ID})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.eng.RequestRide(context.Background(), messages.RideRequest{StartBlockID: pickupBlock.ID})
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Empty(t, f.notif.Sent)
}

func TestNoPullersStaysSearchingThenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t)

	assert.Empty(t, f.notif.Recipients(messages.KindOffer))
	assert.Empty(t, f.sched.FireDue(ctx, f.now.Add(59*time.Second)))
	assert.Equal(t, model.RideSearching, f.ride(t, r.ID).Status)

	f.now = f.now.Add(60 * time.Second)
	assert.Equal(t, []string{r.ID}, f.sched.FireDue(ctx, f.now))
	assert.Equal(t, model.RideExpired, f.ride(t, r.ID).Status)

	for _, s := range f.notif.Sent {
		assert.Empty(t, s.PullerID, "no targeted message expected, got %s", s.Message.Kind())
	}
	expired := f.notif.Broadcasts(messages.KindRideExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, f.now, expired[0].(messages.RideExpired).ExpiredAt)
}

func TestExpireNotifiesReachablePullers(t *testing.T) {
	offline := pullerAt("offline", 80)
	offline.IsOnline = false
	f := newFixture(t, pullerAt("p1", 50), model.Puller{ID: "unlocated", IsOnline: true, IsActive: true}, offline)
	r := f.request(t)

	expired, err := f.eng.Expire(context.Background(), r.ID)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, []string{"p1", "unlocated"}, f.notif.Recipients(messages.KindRideExpired))
	assert.Len(t, f.notif.Broadcasts(messages.KindRideExpired), 1)
}

func TestExpireIsNoopOnceAccepted(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	ctx := context.Background()
	r := f.request(t)
	_, err := f.eng.Accept(ctx, r.ID, "p1")
	require.NoError(t, err)
	f.notif.Reset()

	f.sched.Fire(ctx, r.ID)
	got := f.ride(t, r.ID)
	assert.Equal(t, model.RideAccepted, got.Status)
	assert.Equal(t, "p1", got.AssignedPuller())
	assert.Empty(t, f.notif.Sent)

	expired, err := f.eng.Expire(ctx, r.ID)
	assert.NoError(t, err)
	assert.False(t, expired)
}

func TestRejectRedistributesToNearestNonRejecter(t *testing.T) {
	f := newFixture(t, pullerAt("A", 50), pullerAt("B", 150), pullerAt("C", 250))
	ctx := context.Background()
	r := f.request(t)
	assert.Equal(t, []string{"A", "B", "C"}, f.notif.Recipients(messages.KindOffer))
	f.notif.Reset()

	_, err := f.eng.Reject(ctx, r.ID, "A")
	require.NoError(t, err)
	assert.Len(t, f.notif.To("A", messages.KindRejectConfirmed), 1)
	assert.Equal(t, []string{"B"}, f.notif.Recipients(messages.KindOffer))
	f.notif.Reset()

	_, err = f.eng.Reject(ctx, r.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, f.notif.Recipients(messages.KindOffer))
	f.notif.Reset()

	// repeated reject is confirmed but never redistributes
	got, err := f.eng.Reject(ctx, r.ID, "A")
	require.NoError(t, err)
	assert.Len(t, f.notif.To("A", messages.KindRejectConfirmed), 1)
	assert.Empty(t, f.notif.Recipients(messages.KindOffer))
	assert.Equal(t, []string{"A", "B"}, got.RejectedBy)
	assert.Equal(t, 2.0, testutil.ToFloat64(offersSent.WithLabelValues(logging.ActionRedistribution)))
}

func TestRejectEveryoneSendsNothing(t *testing.T) {
	f := newFixture(t, pullerAt("A", 50))
	r := f.request(t)
	f.notif.Reset()
	_, err := f.eng.Reject(context.Background(), r.ID, "A")
	require.NoError(t, err)
	assert.Empty(t, f.notif.Recipients(messages.KindOffer))
	assert.Equal(t, model.RideSearching, f.ride(t, r.ID).Status)
}

func TestRejectOutsideSearching(t *testing.T) {
	f := newFixture(t, pullerAt("A", 50), pullerAt("B", 60))
	ctx := context.Background()
	r := f.request(t)
	_, err := f.eng.Accept(ctx, r.ID, "A")
	require.NoError(t, err)
	_, err = f.eng.Reject(ctx, r.ID, "B")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.Reject(ctx, "missing", "B")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	const n = 20
	var pullers []model.Puller
	for i := 0; i < n; i++ {
		pullers = append(pullers, pullerAt(fmt.Sprintf("p%02d", i), 50+float64(i)))
	}
	f := newFixture(t, pullers...)
	r := f.request(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	var losers int
	start := make(chan struct{})
	for _, p := range pullers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := f.eng.Accept(context.Background(), r.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrInvalidState):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(p.ID)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)
	got := f.ride(t, r.ID)
	assert.Equal(t, model.RideAccepted, got.Status)
	assert.Equal(t, winners[0], got.AssignedPuller())
	filled := f.notif.Broadcasts(messages.KindRideFilled)
	require.Len(t, filled, 1)
	assert.Equal(t, winners[0], filled[0].(messages.RideFilled).PullerID)
	assert.Equal(t, float64(n-1), testutil.ToFloat64(acceptConflicts))
}

func TestAcceptAfterRejectFails(t *testing.T) {
	f := newFixture(t, pullerAt("A", 50), pullerAt("B", 150))
	ctx := context.Background()
	r := f.request(t)
	_, err := f.eng.Reject(ctx, r.ID, "A")
	require.NoError(t, err)

	_, err = f.eng.Accept(ctx, r.ID, "A")
	assert.ErrorIs(t, err, ErrAlreadyRejected)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, model.RideSearching, f.ride(t, r.ID).Status)

	_, err = f.eng.Accept(ctx, r.ID, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

// rejectBeforeAccept lands a reject by the same puller between Accept's
// read of the ride and its conditional update.
type rejectBeforeAccept struct {
	*store.MemoryStore
	pullerID string
}

func (s rejectBeforeAccept) TransitionRide(ctx context.Context, id string, from model.RideStatus, u store.RideUpdate) (model.Ride, error) {
	if u.To == model.RideAccepted {
		if _, _, err := s.MemoryStore.AddRejection(ctx, id, s.pullerID); err != nil {
			return model.Ride{}, err
		}
	}
	return s.MemoryStore.TransitionRide(ctx, id, from, u)
}

func TestRejectRacingAcceptCannotWin(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, rejectBeforeAccept{mem, "A"}, mem, pullerAt("A", 50), pullerAt("B", 150))
	ctx := context.Background()
	r := f.request(t)

	_, err := f.eng.Accept(ctx, r.ID, "A")
	assert.ErrorIs(t, err, ErrAlreadyRejected)
	assert.Equal(t, "already_rejected", ErrorCode(err))

	got := f.ride(t, r.ID)
	assert.Equal(t, model.RideSearching, got.Status)
	assert.Nil(t, got.PullerID)
	assert.Equal(t, []string{"A"}, got.RejectedBy)
	assert.Equal(t, 0.0, testutil.ToFloat64(acceptConflicts))
}

func TestLifecycleAndSettlementAtDestination(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	ctx := context.Background()
	r := f.request(t)

	f.now = f.now.Add(10 * time.Second)
	acc, err := f.eng.Accept(ctx, r.ID, "p1")
	require.NoError(t, err)
	require.NotNil(t, acc.AcceptTime)
	_, err = f.eng.Accept(ctx, r.ID, "p1")
	assert.ErrorIs(t, err, ErrInvalidState, "second accept must lose")

	f.now = f.now.Add(time.Minute)
	act, err := f.eng.Pickup(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, act.PickupTime)

	f.now = f.now.Add(10 * time.Minute)
	done, err := f.eng.Complete(ctx, r.ID, 22.4633, 91.9714)
	require.NoError(t, err)
	assert.Equal(t, model.RideCompleted, done.Status)
	require.NotNil(t, done.PointsAwarded)
	assert.Equal(t, 10, *done.PointsAwarded)
	require.NotNil(t, done.CompletionTime)
	assert.True(t, !done.AcceptTime.After(*done.PickupTime) && !done.PickupTime.After(*done.CompletionTime))
	assert.Equal(t, "p1", done.AssignedPuller())

	p, hist, err := f.eng.Ledger(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, p.PointsBalance)
	require.Len(t, hist, 1)
	assert.Equal(t, model.ReasonRideCompletion, hist[0].Reason)
	assert.Equal(t, r.ID, *hist[0].RideID)

	notice := f.notif.To("p1", messages.KindCompletion)
	require.Len(t, notice, 1)
	assert.Equal(t, 10, notice[0].(messages.Completion).PointsAwarded)
	assert.InDelta(t, 0, notice[0].(messages.Completion).DistanceFromDestination, 1e-6)

	assert.Equal(t, 1.0, testutil.ToFloat64(settlementResults.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rideTransitions.WithLabelValues("COMPLETED")))
	assert.NoError(t, f.eng.VerifyBalance(ctx, "p1"))
}

func TestSettlementFarFromDestinationAwardsZero(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	r := f.activeRide(t, "p1")
	lat := destBlock.Lat + 150/metersPerDegree
	done, err := f.eng.Complete(context.Background(), r.ID, lat, destBlock.Lon)
	require.NoError(t, err)
	assert.Equal(t, 0, *done.PointsAwarded)
}

func TestCompleteGuards(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	ctx := context.Background()
	r := f.request(t)
	_, err := f.eng.Complete(ctx, r.ID, destBlock.Lat, destBlock.Lon)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.eng.Complete(ctx, "missing", destBlock.Lat, destBlock.Lon)
	assert.ErrorIs(t, err, ErrNotFound)

	orphan := model.Ride{ID: "orphan", Status: model.RideActive, StartBlockID: pickupBlock.ID, DestinationBlockID: destBlock.ID, RequestTime: f.now}
	require.NoError(t, f.mem.CreateRide(ctx, orphan))
	_, err = f.eng.Complete(ctx, "orphan", destBlock.Lat, destBlock.Lon)
	assert.ErrorIs(t, err, ErrMissingAssignment)

	_, err = f.eng.Pickup(ctx, r.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.Pickup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingTx struct{ store.Tx }

func (failingTx) AppendHistory(context.Context, model.PointsHistory) error {
	return errors.New("history insert failed")
}

// failingStore fails the history insert of every transaction.
type failingStore struct{ *store.MemoryStore }

func (s failingStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.MemoryStore.WithTx(ctx, func(tx store.Tx) error { return fn(failingTx{tx}) })
}

func TestSettlementRollsBackOnFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, failingStore{mem}, mem, pullerAt("p1", 50))
	ctx := context.Background()
	r := f.activeRide(t, "p1")
	f.notif.Reset()
	mon := &monitoring.MockMonitor{}
	monitoring.Init(mon)
	t.Cleanup(func() { monitoring.Init(monitoring.NopMonitor{}) })

	_, err := f.eng.Complete(ctx, r.ID, destBlock.Lat, destBlock.Lon)
	require.Error(t, err)
	require.Equal(t, 1, mon.Len())
	assert.Equal(t, r.ID, mon.Captured[0].Tags["ride_id"])

	got := f.ride(t, r.ID)
	assert.Equal(t, model.RideActive, got.Status)
	assert.Nil(t, got.PointsAwarded)
	assert.Nil(t, got.CompletionTime)
	p, hist, err := f.eng.Ledger(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.PointsBalance)
	assert.Empty(t, hist)
	assert.Empty(t, f.notif.Sent, "nothing is announced for a rolled back settlement")
	assert.Equal(t, 1.0, testutil.ToFloat64(settlementResults.WithLabelValues("rolled_back")))

	_, _, err = f.eng.AdjustPoints(ctx, "p1", 5, "")
	require.Error(t, err)
	p, _, _ = f.eng.Ledger(ctx, "p1")
	assert.Equal(t, 0, p.PointsBalance)
}

func TestBalanceMatchesHistoryAfterMixedOperations(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50), pullerAt("p2", 150))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := f.activeRide(t, "p1")
		lat := destBlock.Lat + float64(i*30)/metersPerDegree
		_, err := f.eng.Complete(ctx, r.ID, lat, destBlock.Lon)
		require.NoError(t, err)
	}
	_, bal, err := f.eng.AdjustPoints(ctx, "p1", -4, model.ReasonRedemption)
	require.NoError(t, err)
	_, _, err = f.eng.AdjustPoints(ctx, "p1", 7, "")
	require.NoError(t, err)
	_, _, err = f.eng.AdjustPoints(ctx, "p2", -2, model.ReasonFraudReversal)
	require.NoError(t, err)

	assert.NoError(t, f.eng.VerifyBalance(ctx, "p1"))
	assert.NoError(t, f.eng.VerifyBalance(ctx, "p2"))
	p, hist, err := f.eng.Ledger(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, hist, 5)
	assert.Equal(t, bal+7, p.PointsBalance)

	corrupt := p
	corrupt.PointsBalance += 100
	f.mem.PutPuller(corrupt)
	assert.ErrorIs(t, f.eng.VerifyBalance(ctx, "p1"), ErrLedgerMismatch)
}

func TestAdjustPointsValidation(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	ctx := context.Background()
	_, _, err := f.eng.AdjustPoints(ctx, "p1", 5, model.ReasonRideCompletion)
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, _, err = f.eng.AdjustPoints(ctx, "p1", 5, "BONUS")
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, _, err = f.eng.AdjustPoints(ctx, "p1", 0, "")
	assert.ErrorIs(t, err, ErrInvalidCommand)
	_, _, err = f.eng.AdjustPoints(ctx, "ghost", 5, "")
	assert.ErrorIs(t, err, ErrNotFound)

	entry, bal, err := f.eng.AdjustPoints(ctx, "p1", 5, "")
	require.NoError(t, err)
	assert.Equal(t, model.ReasonManualAdjustment, entry.Reason)
	assert.Nil(t, entry.RideID)
	assert.Equal(t, 5, bal)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	ctx := context.Background()

	searching := f.request(t)
	c, err := f.eng.Cancel(ctx, searching.ID, "rider left")
	require.NoError(t, err)
	assert.Equal(t, model.RideCancelled, c.Status)
	assert.Equal(t, "rider left", *c.CancelReason)

	accepted := f.request(t)
	_, err = f.eng.Accept(ctx, accepted.ID, "p1")
	require.NoError(t, err)
	f.notif.Reset()
	c, err = f.eng.Cancel(ctx, accepted.ID, "")
	require.NoError(t, err)
	assert.Empty(t, c.AssignedPuller())
	assert.Nil(t, c.CancelReason)
	assert.Len(t, f.notif.To("p1", messages.KindLifecycle), 1)

	_, err = f.eng.Cancel(ctx, accepted.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.eng.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	f.sched.Fire(ctx, searching.ID)
	assert.Equal(t, model.RideCancelled, f.ride(t, searching.ID).Status)
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	f := newFixture(t, pullerAt("p1", 50))
	sub := f.bus.Subscribe()
	r := f.request(t)

	var ride events.RideEvent
	var offer events.OfferEvent
	for i := 0; i < 2; i++ {
		switch ev := (<-sub).(type) {
		case events.RideEvent:
			ride = ev
		case events.OfferEvent:
			offer = ev
		}
	}
	assert.Equal(t, r.ID, ride.Ride.ID)
	assert.Equal(t, model.RideStatus(""), ride.From)
	assert.Equal(t, []string{"p1"}, offer.PullerIDs)
	assert.False(t, offer.Redistribution)
}

func TestOfferAuditLog(t *testing.T) {
	f := newFixture(t, pullerAt("A", 50), pullerAt("B", 150))
	audit, err := logging.NewJSONLStore(filepath.Join(t.TempDir(), "offers.jsonl"))
	require.NoError(t, err)
	f.eng.SetLogStore(audit)
	f.notif.FailIDs["B"] = true
	ctx := context.Background()

	r := f.request(t)
	_, err = f.eng.Reject(ctx, r.ID, "A")
	require.NoError(t, err)

	recs, err := audit.Query(ctx, logging.LogQuery{RideID: r.ID})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, logging.ActionOffer, recs[0].Action)
	assert.Len(t, recs[0].Candidates, 2)
	assert.Contains(t, recs[0].Errors, "B")
	assert.Equal(t, logging.ActionRedistribution, recs[1].Action)
	assert.Equal(t, "B", recs[1].Candidates[0].PullerID)
	assert.Equal(t, 2.0, testutil.ToFloat64(notifyFailures.WithLabelValues(string(messages.KindOffer))))
}
