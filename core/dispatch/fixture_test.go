package dispatch

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/geo"
	"github.com/kilianp07/ridedispatch/core/messages"
	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/core/store"
	infralogger "github.com/kilianp07/ridedispatch/infra/logger"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

var (
	pickupBlock = model.Block{ID: "b-pickup", Name: "CUET Gate", Lat: 22.4600, Lon: 91.9700}
	destBlock   = model.Block{ID: "b-dest", Name: "Pahartali", Lat: 22.4633, Lon: 91.9714}
)

const metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

type fixture struct {
	eng   *Engine
	store store.Store
	mem   *store.MemoryStore
	notif *notify.MockNotifier
	sched *scheduler.ManualScheduler
	bus   *eventbus.TypedBus[events.Event]
	now   time.Time
}

func newFixture(t *testing.T, pullers ...model.Puller) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	return newFixtureWithStore(t, mem, mem, pullers...)
}

func newFixtureWithStore(t *testing.T, st store.Store, mem *store.MemoryStore, pullers ...model.Puller) *fixture {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { ResetMetrics(nil) })
	mem.PutBlock(pickupBlock)
	mem.PutBlock(destBlock)
	for _, p := range pullers {
		mem.PutPuller(p)
	}
	f := &fixture{
		store: st,
		mem:   mem,
		notif: notify.NewMockNotifier(),
		sched: scheduler.NewManualScheduler(),
		bus:   eventbus.NewTypedBuffered[events.Event](64),
		now:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	eng, err := NewEngine(Config{}, st, f.notif, f.sched, f.bus, infralogger.NopLogger{})
	require.NoError(t, err)
	eng.SetClock(func() time.Time { return f.now })
	f.eng = eng
	return f
}

// pullerAt returns an online, active puller located metersNorth of the
// pickup block.
func pullerAt(id string, metersNorth float64) model.Puller {
	lat := pickupBlock.Lat + metersNorth/metersPerDegree
	lon := pickupBlock.Lon
	return model.Puller{ID: id, Name: "Puller " + id, IsOnline: true, IsActive: true, Lat: &lat, Lon: &lon}
}

func (f *fixture) request(t *testing.T) model.Ride {
	t.Helper()
	r, err := f.eng.RequestRide(context.Background(), messages.RideRequest{
		StartBlockID:       pickupBlock.ID,
		DestinationBlockID: destBlock.ID,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) ride(t *testing.T, id string) model.Ride {
	t.Helper()
	r, err := f.store.GetRide(context.Background(), id)
	require.NoError(t, err)
	return r
}

// activeRide drives a new ride to ACTIVE with pullerID assigned.
func (f *fixture) activeRide(t *testing.T, pullerID string) model.Ride {
	t.Helper()
	ctx := context.Background()
	r := f.request(t)
	_, err := f.eng.Accept(ctx, r.ID, pullerID)
	require.NoError(t, err)
	r, err = f.eng.Pickup(ctx, r.ID)
	require.NoError(t, err)
	return r
}
