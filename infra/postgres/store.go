// Package postgres implements store.Store on PostgreSQL with pgx. Ride
// updates are conditional UPDATE ... WHERE status statements, so the row
// itself arbitrates concurrent accepts.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilianp07/ridedispatch/core/model"
	"github.com/kilianp07/ridedispatch/core/store"
)

//go:embed schema.sql
var schema string

// Config holds the connection settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
	// MaxConns caps the pool size. Zero keeps the pgxpool default.
	MaxConns int32 `json:"max_conns"`
	// Migrate applies the bundled schema on startup.
	Migrate bool `json:"migrate"`
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Enabled && c.DSN == "" {
		return fmt.Errorf("postgres: dsn is required")
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects a pool and optionally applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{pool: pool}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the bundled schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const rideColumns = `id, status, start_block_id, destination_block_id, puller_id, rider_id,
	request_time, accept_time, pickup_time, completion_time, points_awarded, cancel_reason, rejected_by`

const pullerColumns = `id, name, points_balance, is_online, is_active, lat, lon`

func scanRide(row pgx.Row) (model.Ride, error) {
	var r model.Ride
	var status string
	err := row.Scan(&r.ID, &status, &r.StartBlockID, &r.DestinationBlockID, &r.PullerID, &r.RiderID,
		&r.RequestTime, &r.AcceptTime, &r.PickupTime, &r.CompletionTime, &r.PointsAwarded, &r.CancelReason, &r.RejectedBy)
	r.Status = model.RideStatus(status)
	return r, err
}

func scanPuller(row pgx.Row) (model.Puller, error) {
	var p model.Puller
	err := row.Scan(&p.ID, &p.Name, &p.PointsBalance, &p.IsOnline, &p.IsActive, &p.Lat, &p.Lon)
	return p, err
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
	}
	return err
}

// isForeignKeyViolation reports a reference to a missing row.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (s *Store) CreateRide(ctx context.Context, r model.Ride) error {
	rejected := r.RejectedBy
	if rejected == nil {
		rejected = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, string(r.Status), r.StartBlockID, r.DestinationBlockID, r.PullerID, r.RiderID,
		r.RequestTime, r.AcceptTime, r.PickupTime, r.CompletionTime, r.PointsAwarded, r.CancelReason, rejected,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("ride %s references a missing block or puller: %w", r.ID, store.ErrNotFound)
	}
	return err
}

func (s *Store) GetRide(ctx context.Context, id string) (model.Ride, error) {
	return getRide(ctx, s.pool, id)
}

func getRide(ctx context.Context, q querier, id string) (model.Ride, error) {
	r, err := scanRide(q.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if err != nil {
		return model.Ride{}, notFound(err, "ride", id)
	}
	return r, nil
}

func (s *Store) TransitionRide(ctx context.Context, id string, from model.RideStatus, u store.RideUpdate) (model.Ride, error) {
	return transitionRide(ctx, s.pool, id, from, u)
}

func transitionRide(ctx context.Context, q querier, id string, from model.RideStatus, u store.RideUpdate) (model.Ride, error) {
	if !model.CanTransition(from, u.To) {
		cur, err := getRide(ctx, q, id)
		if err != nil {
			return model.Ride{}, err
		}
		return cur, fmt.Errorf("ride %s: %s -> %s not allowed: %w", id, from, u.To, store.ErrConflict)
	}
	r, err := scanRide(q.QueryRow(ctx, `
		UPDATE rides SET
			status          = $2::text,
			accept_time     = CASE WHEN $2::text = 'ACCEPTED'  THEN $3::timestamptz ELSE accept_time END,
			pickup_time     = CASE WHEN $2::text = 'ACTIVE'    THEN $3::timestamptz ELSE pickup_time END,
			completion_time = CASE WHEN $2::text = 'COMPLETED' THEN $3::timestamptz ELSE completion_time END,
			puller_id       = CASE WHEN $5::boolean THEN NULL ELSE COALESCE($4::text, puller_id) END,
			points_awarded  = COALESCE($6::integer, points_awarded),
			cancel_reason   = COALESCE($7::text, cancel_reason)
		WHERE id = $1 AND status = $8 AND NOT ($9::text <> '' AND $9::text = ANY(rejected_by))
		RETURNING `+rideColumns,
		id, string(u.To), u.At, u.PullerID, u.ClearPuller, u.PointsAwarded, u.CancelReason, string(from),
		u.RequireNotRejected,
	))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Ride{}, err
	}
	cur, gerr := getRide(ctx, q, id)
	if gerr != nil {
		return model.Ride{}, gerr
	}
	if cur.Status == from && u.RequireNotRejected != "" && cur.HasRejected(u.RequireNotRejected) {
		return cur, fmt.Errorf("ride %s by %s: %w", id, u.RequireNotRejected, store.ErrRejected)
	}
	return cur, fmt.Errorf("ride %s is %s, want %s: %w", id, cur.Status, from, store.ErrConflict)
}

func (s *Store) AddRejection(ctx context.Context, rideID, pullerID string) (model.Ride, bool, error) {
	r, err := scanRide(s.pool.QueryRow(ctx, `
		UPDATE rides SET rejected_by = array_append(rejected_by, $2::text)
		WHERE id = $1 AND status = 'SEARCHING' AND NOT ($2::text = ANY(rejected_by))
		RETURNING `+rideColumns,
		rideID, pullerID,
	))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Ride{}, false, err
	}
	cur, gerr := s.GetRide(ctx, rideID)
	if gerr != nil {
		return model.Ride{}, false, gerr
	}
	if cur.Status != model.RideSearching {
		return cur, false, fmt.Errorf("ride %s is %s: %w", rideID, cur.Status, store.ErrConflict)
	}
	return cur, false, nil
}

func (s *Store) GetPuller(ctx context.Context, id string) (model.Puller, error) {
	p, err := scanPuller(s.pool.QueryRow(ctx, `SELECT `+pullerColumns+` FROM pullers WHERE id = $1`, id))
	if err != nil {
		return model.Puller{}, notFound(err, "puller", id)
	}
	return p, nil
}

func (s *Store) ListPullers(ctx context.Context) ([]model.Puller, error) {
	return s.listPullers(ctx, `TRUE`)
}

func (s *Store) ListAvailablePullers(ctx context.Context) ([]model.Puller, error) {
	return s.listPullers(ctx, `is_online AND is_active AND lat IS NOT NULL AND lon IS NOT NULL`)
}

func (s *Store) ListReachablePullers(ctx context.Context) ([]model.Puller, error) {
	return s.listPullers(ctx, `is_online AND is_active`)
}

func (s *Store) listPullers(ctx context.Context, where string) ([]model.Puller, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pullerColumns+` FROM pullers WHERE `+where+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Puller
	for rows.Next() {
		p, err := scanPuller(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePullerStatus(ctx context.Context, st model.PullerStatus) (model.Puller, error) {
	var lat, lon *float64
	if st.Lat != nil && st.Lon != nil {
		lat, lon = st.Lat, st.Lon
	}
	p, err := scanPuller(s.pool.QueryRow(ctx, `
		UPDATE pullers SET
			is_online = $2,
			is_active = $3,
			lat = COALESCE($4::double precision, lat),
			lon = COALESCE($5::double precision, lon)
		WHERE id = $1
		RETURNING `+pullerColumns,
		st.PullerID, st.Online, st.Active, lat, lon,
	))
	if err != nil {
		return model.Puller{}, notFound(err, "puller", st.PullerID)
	}
	return p, nil
}

func (s *Store) GetBlock(ctx context.Context, id string) (model.Block, error) {
	var b model.Block
	err := s.pool.QueryRow(ctx, `SELECT id, name, lat, lon FROM blocks WHERE id = $1`, id).
		Scan(&b.ID, &b.Name, &b.Lat, &b.Lon)
	if err != nil {
		return model.Block{}, notFound(err, "block", id)
	}
	return b, nil
}

func (s *Store) UpsertBlock(ctx context.Context, b model.Block) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blocks (id, name, lat, lon) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, lat = EXCLUDED.lat, lon = EXCLUDED.lon`,
		b.ID, b.Name, b.Lat, b.Lon)
	return err
}

// UpsertPuller never changes the points balance of an existing puller.
func (s *Store) UpsertPuller(ctx context.Context, p model.Puller) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pullers (id, name, is_online, is_active, lat, lon) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, is_online = EXCLUDED.is_online, is_active = EXCLUDED.is_active,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon`,
		p.ID, p.Name, p.IsOnline, p.IsActive, p.Lat, p.Lon)
	return err
}

func (s *Store) History(ctx context.Context, pullerID string) ([]model.PointsHistory, error) {
	if _, err := s.GetPuller(ctx, pullerID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, puller_id, ride_id, points_change, reason, created_at
		FROM points_history WHERE puller_id = $1 ORDER BY seq`, pullerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PointsHistory
	for rows.Next() {
		var h model.PointsHistory
		var reason string
		if err := rows.Scan(&h.ID, &h.PullerID, &h.RideID, &h.PointsChange, &reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Reason = model.PointsReason(reason)
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

type pgTx struct {
	q querier
}

func (t *pgTx) TransitionRide(ctx context.Context, id string, from model.RideStatus, u store.RideUpdate) (model.Ride, error) {
	return transitionRide(ctx, t.q, id, from, u)
}

func (t *pgTx) AddPoints(ctx context.Context, pullerID string, delta int) (model.Puller, error) {
	p, err := scanPuller(t.q.QueryRow(ctx, `
		UPDATE pullers SET points_balance = points_balance + $2
		WHERE id = $1
		RETURNING `+pullerColumns, pullerID, delta))
	if err != nil {
		return model.Puller{}, notFound(err, "puller", pullerID)
	}
	return p, nil
}

func (t *pgTx) AppendHistory(ctx context.Context, h model.PointsHistory) error {
	created := h.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO points_history (id, puller_id, ride_id, points_change, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.PullerID, h.RideID, h.PointsChange, string(h.Reason), created)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("history for puller %s: %w", h.PullerID, store.ErrNotFound)
	}
	return err
}
