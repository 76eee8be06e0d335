package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/core/dispatch"
	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/core/store"
	"github.com/kilianp07/ridedispatch/infra/logger"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

// RunScenario seeds an in-memory engine, replays the steps and checks the
// expected end state. Every puller's balance is verified against its
// history.
func RunScenario(t *testing.T, sc *Scenario) {
	t.Helper()
	ctx := context.Background()
	dispatch.ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { dispatch.ResetMetrics(nil) })

	st := store.NewMemoryStore()
	for _, b := range sc.Blocks {
		require.NoError(t, st.UpsertBlock(ctx, b.ToModel()))
	}
	for _, p := range sc.Pullers {
		require.NoError(t, st.UpsertPuller(ctx, p.ToModel()))
	}

	notif := notify.NewMockNotifier()
	for _, id := range sc.FailPullers {
		notif.FailIDs[id] = true
	}
	sched := scheduler.NewManualScheduler()
	bus := eventbus.NewTypedBuffered[events.Event](256)
	t.Cleanup(bus.Close)

	eng, err := dispatch.NewEngine(dispatch.Config{OfferBatchSize: sc.BatchSize}, st, notif, sched, bus, logger.NopLogger{})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	eng.SetClock(func() time.Time { return now })

	rides := map[string]string{}
	for i, step := range sc.Steps {
		now = now.Add(time.Second)
		err := runStep(ctx, eng, sched, rides, step)
		assert.Equal(t, step.Error, dispatch.ErrorCode(err), "step %d (%s %s): %v", i, step.Op, step.Ride, err)
	}

	for alias, want := range sc.Expected.Rides {
		id, ok := rides[alias]
		require.True(t, ok, "ride %s never requested", alias)
		r, err := eng.GetRide(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, r.Status, "ride %s", alias)
	}
	for pid, want := range sc.Expected.Balances {
		p, err := st.GetPuller(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, want, p.PointsBalance, "balance of %s", pid)
	}
	for _, p := range sc.Pullers {
		assert.NoError(t, eng.VerifyBalance(ctx, p.ID))
	}
	for alias, want := range sc.Expected.Offers {
		assert.Equal(t, want, offeredTo(notif, rides[alias]), "offers for %s", alias)
	}
}

func runStep(ctx context.Context, eng *dispatch.Engine, sched *scheduler.ManualScheduler, rides map[string]string, st Step) error {
	id := rides[st.Ride]
	var err error
	switch st.Op {
	case OpRequest:
		var r model.Ride
		r, err = eng.RequestRide(ctx, messages.RideRequest{StartBlockID: st.From, DestinationBlockID: st.To})
		if err == nil {
			rides[st.Ride] = r.ID
		}
	case OpAccept:
		_, err = eng.Accept(ctx, id, st.Puller)
	case OpReject:
		_, err = eng.Reject(ctx, id, st.Puller)
	case OpPickup:
		_, err = eng.Pickup(ctx, id)
	case OpComplete:
		_, err = eng.Complete(ctx, id, *st.Lat, *st.Lon)
	case OpCancel:
		_, err = eng.Cancel(ctx, id, st.Reason)
	case OpExpire:
		sched.Fire(ctx, id)
	case OpStatus:
		_, err = eng.UpdatePullerStatus(ctx, messages.PullerStatusUpdate{
			PullerID: st.Puller, Online: st.Online, Active: st.Active, Lat: st.Lat, Lon: st.Lon,
		})
	case OpAdjust:
		_, _, err = eng.AdjustPoints(ctx, st.Puller, st.Delta, model.PointsReason(st.Reason))
	}
	return err
}

func offeredTo(n *notify.MockNotifier, rideID string) []string {
	var out []string
	for _, s := range n.Sent {
		if o, ok := s.Message.(messages.Offer); ok && o.RideID == rideID {
			out = append(out, s.PullerID)
		}
	}
	return out
}
