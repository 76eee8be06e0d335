package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kilianp07/ridedispatch/core/model"
)

// MemoryStore keeps all state in process memory behind a single mutex,
// which makes every ride update a trivially linearizable compare-and-set.
type MemoryStore struct {
	mu      sync.Mutex
	rides   map[string]model.Ride
	pullers map[string]model.Puller
	blocks  map[string]model.Block
	history []model.PointsHistory
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   map[string]model.Ride{},
		pullers: map[string]model.Puller{},
		blocks:  map[string]model.Block{},
	}
}

// PutBlock seeds a reference block.
func (s *MemoryStore) PutBlock(b model.Block) {
	s.mu.Lock()
	s.blocks[b.ID] = b
	s.mu.Unlock()
}

// PutPuller seeds or replaces a puller.
func (s *MemoryStore) PutPuller(p model.Puller) {
	s.mu.Lock()
	s.pullers[p.ID] = p.Clone()
	s.mu.Unlock()
}

// UpsertBlock implements Seeder.
func (s *MemoryStore) UpsertBlock(_ context.Context, b model.Block) error {
	s.PutBlock(b)
	return nil
}

// UpsertPuller implements Seeder. The points balance of an existing puller
// is kept so seeding never rewrites the ledger.
func (s *MemoryStore) UpsertPuller(_ context.Context, p model.Puller) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pullers[p.ID]; ok {
		p.PointsBalance = cur.PointsBalance
	} else {
		p.PointsBalance = 0
	}
	s.pullers[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) CreateRide(_ context.Context, r model.Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	s.rides[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) GetRide(_ context.Context, id string) (model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return model.Ride{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) TransitionRide(_ context.Context, id string, from model.RideStatus, u RideUpdate) (model.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, u)
}

func (s *MemoryStore) transitionLocked(id string, from model.RideStatus, u RideUpdate) (model.Ride, error) {
	r, ok := s.rides[id]
	if !ok {
		return model.Ride{}, fmt.Errorf("ride %s: %w", id, ErrNotFound)
	}
	if !model.CanTransition(from, u.To) {
		return r.Clone(), fmt.Errorf("ride %s: %s -> %s not allowed: %w", id, from, u.To, ErrConflict)
	}
	if r.Status != from {
		return r.Clone(), fmt.Errorf("ride %s is %s, want %s: %w", id, r.Status, from, ErrConflict)
	}
	if u.RequireNotRejected != "" && r.HasRejected(u.RequireNotRejected) {
		return r.Clone(), fmt.Errorf("ride %s by %s: %w", id, u.RequireNotRejected, ErrRejected)
	}
	r = r.Clone()
	r.Status = u.To
	at := u.At
	switch u.To {
	case model.RideAccepted:
		r.AcceptTime = &at
	case model.RideActive:
		r.PickupTime = &at
	case model.RideCompleted:
		r.CompletionTime = &at
	}
	if u.PullerID != nil {
		p := *u.PullerID
		r.PullerID = &p
	}
	if u.ClearPuller {
		r.PullerID = nil
	}
	if u.PointsAwarded != nil {
		p := *u.PointsAwarded
		r.PointsAwarded = &p
	}
	if u.CancelReason != nil {
		c := *u.CancelReason
		r.CancelReason = &c
	}
	s.rides[id] = r
	return r.Clone(), nil
}

func (s *MemoryStore) AddRejection(_ context.Context, rideID, pullerID string) (model.Ride, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[rideID]
	if !ok {
		return model.Ride{}, false, fmt.Errorf("ride %s: %w", rideID, ErrNotFound)
	}
	if r.Status != model.RideSearching {
		return r.Clone(), false, fmt.Errorf("ride %s is %s: %w", rideID, r.Status, ErrConflict)
	}
	if r.HasRejected(pullerID) {
		return r.Clone(), false, nil
	}
	r = r.Clone()
	r.RejectedBy = append(r.RejectedBy, pullerID)
	s.rides[rideID] = r
	return r.Clone(), true, nil
}

func (s *MemoryStore) GetPuller(_ context.Context, id string) (model.Puller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pullers[id]
	if !ok {
		return model.Puller{}, fmt.Errorf("puller %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListAvailablePullers(_ context.Context) ([]model.Puller, error) {
	return s.listPullers(model.Puller.Available), nil
}

func (s *MemoryStore) ListPullers(_ context.Context) ([]model.Puller, error) {
	return s.listPullers(func(model.Puller) bool { return true }), nil
}

func (s *MemoryStore) ListReachablePullers(_ context.Context) ([]model.Puller, error) {
	return s.listPullers(model.Puller.Reachable), nil
}

func (s *MemoryStore) listPullers(keep func(model.Puller) bool) []model.Puller {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]model.Puller, 0, len(s.pullers))
	for _, p := range s.pullers {
		if keep(p) {
			res = append(res, p.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (s *MemoryStore) UpdatePullerStatus(_ context.Context, st model.PullerStatus) (model.Puller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pullers[st.PullerID]
	if !ok {
		return model.Puller{}, fmt.Errorf("puller %s: %w", st.PullerID, ErrNotFound)
	}
	p.IsOnline = st.Online
	p.IsActive = st.Active
	if st.Lat != nil && st.Lon != nil {
		lat, lon := *st.Lat, *st.Lon
		p.Lat, p.Lon = &lat, &lon
	}
	s.pullers[p.ID] = p
	return p.Clone(), nil
}

func (s *MemoryStore) GetBlock(_ context.Context, id string) (model.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return model.Block{}, fmt.Errorf("block %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (s *MemoryStore) History(_ context.Context, pullerID string) ([]model.PointsHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pullers[pullerID]; !ok {
		return nil, fmt.Errorf("puller %s: %w", pullerID, ErrNotFound)
	}
	var res []model.PointsHistory
	for _, h := range s.history {
		if h.PullerID == pullerID {
			res = append(res, h)
		}
	}
	return res, nil
}

// WithTx holds the store lock for the whole of fn and restores the previous
// state if fn fails.
func (s *MemoryStore) WithTx(_ context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshotLocked()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type memorySnapshot struct {
	rides   map[string]model.Ride
	pullers map[string]model.Puller
	history int
}

func (s *MemoryStore) snapshotLocked() memorySnapshot {
	snap := memorySnapshot{
		rides:   make(map[string]model.Ride, len(s.rides)),
		pullers: make(map[string]model.Puller, len(s.pullers)),
		history: len(s.history),
	}
	for k, v := range s.rides {
		snap.rides[k] = v.Clone()
	}
	for k, v := range s.pullers {
		snap.pullers[k] = v.Clone()
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap memorySnapshot) {
	s.rides = snap.rides
	s.pullers = snap.pullers
	s.history = s.history[:snap.history]
}

// memoryTx runs with MemoryStore.mu already held.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) TransitionRide(_ context.Context, id string, from model.RideStatus, u RideUpdate) (model.Ride, error) {
	return t.s.transitionLocked(id, from, u)
}

func (t *memoryTx) AddPoints(_ context.Context, pullerID string, delta int) (model.Puller, error) {
	p, ok := t.s.pullers[pullerID]
	if !ok {
		return model.Puller{}, fmt.Errorf("puller %s: %w", pullerID, ErrNotFound)
	}
	p.PointsBalance += delta
	t.s.pullers[pullerID] = p
	return p.Clone(), nil
}

func (t *memoryTx) AppendHistory(_ context.Context, h model.PointsHistory) error {
	if _, ok := t.s.pullers[h.PullerID]; !ok {
		return fmt.Errorf("puller %s: %w", h.PullerID, ErrNotFound)
	}
	t.s.history = append(t.s.history, h)
	return nil
}
