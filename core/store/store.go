// Package store defines the persistence boundary of the dispatch engine and
// an in-memory implementation used for tests and single-node deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/ridedispatch/core/model"
)

var (
	// ErrNotFound is returned when a ride, puller or block does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional ride update lost against
	// a concurrent writer or the ride was not in the expected status.
	ErrConflict = errors.New("ride status conflict")
	// ErrRejected is returned when RideUpdate.RequireNotRejected names a
	// puller already listed in RejectedBy.
	ErrRejected = fmt.Errorf("puller is in rejected_by: %w", ErrConflict)
)

// RideUpdate describes a guarded status change. The store stamps the
// lifecycle timestamp matching To with At.
type RideUpdate struct {
	To                 model.RideStatus
	At                 time.Time
	PullerID           *string
	ClearPuller        bool
	PointsAwarded      *int
	CancelReason       *string
	// RequireNotRejected, when set, fails the update with ErrRejected if
	// that puller is in RejectedBy at the time of the write.
	RequireNotRejected string
}

// RideStore persists rides.
type RideStore interface {
	CreateRide(ctx context.Context, r model.Ride) error
	GetRide(ctx context.Context, id string) (model.Ride, error)
	// TransitionRide applies u only if the ride is currently in status from.
	// It is a compare-and-set: callers never read-then-write.
	TransitionRide(ctx context.Context, id string, from model.RideStatus, u RideUpdate) (model.Ride, error)
	// AddRejection records pullerID in RejectedBy while the ride is
	// SEARCHING. added is false when the puller was already present.
	AddRejection(ctx context.Context, rideID, pullerID string) (r model.Ride, added bool, err error)
}

// PullerStore persists pullers and their presence.
type PullerStore interface {
	GetPuller(ctx context.Context, id string) (model.Puller, error)
	// ListPullers returns every puller ordered by id.
	ListPullers(ctx context.Context) ([]model.Puller, error)
	// ListAvailablePullers returns online, active pullers with a known location.
	ListAvailablePullers(ctx context.Context) ([]model.Puller, error)
	// ListReachablePullers returns online, active pullers regardless of location.
	ListReachablePullers(ctx context.Context) ([]model.Puller, error)
	UpdatePullerStatus(ctx context.Context, st model.PullerStatus) (model.Puller, error)
}

// BlockStore reads reference blocks.
type BlockStore interface {
	GetBlock(ctx context.Context, id string) (model.Block, error)
}

// Seeder loads reference data. Neither method touches the points ledger.
type Seeder interface {
	UpsertBlock(ctx context.Context, b model.Block) error
	UpsertPuller(ctx context.Context, p model.Puller) error
}

// LedgerReader reads the points ledger.
type LedgerReader interface {
	History(ctx context.Context, pullerID string) ([]model.PointsHistory, error)
}

// Tx is the unit of work used by settlement. Either every write made
// through a Tx commits or none does.
type Tx interface {
	TransitionRide(ctx context.Context, id string, from model.RideStatus, u RideUpdate) (model.Ride, error)
	AddPoints(ctx context.Context, pullerID string, delta int) (model.Puller, error)
	AppendHistory(ctx context.Context, h model.PointsHistory) error
}

// Store is the full persistence surface needed by the engine.
type Store interface {
	RideStore
	PullerStore
	BlockStore
	LedgerReader
	Seeder
	// WithTx runs fn in a transaction, rolling back when fn returns an error.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
