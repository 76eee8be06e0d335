// Package redisqueue keeps ride deadlines in a Redis sorted set so they
// survive a restart and are shared between replicas.
//
// Each member is a ride id scored by its deadline in unix milliseconds. A
// poller claims due members with ZREM; only the replica whose ZREM removed
// the member runs the handler.
package redisqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/infra/logger"
)

// Config holds the Redis connection and polling settings.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
	PollMS   int    `json:"poll_ms"`
	// Batch caps how many due deadlines one poll claims.
	Batch int64 `json:"batch"`
}

func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Key == "" {
		c.Key = "ridedispatch:deadlines"
	}
	if c.PollMS <= 0 {
		c.PollMS = 250
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	return nil
}

// Scheduler implements scheduler.Scheduler on a Redis sorted set.
type Scheduler struct {
	client  redis.UniversalClient
	key     string
	poll    time.Duration
	batch   int64
	log     logger.Logger
	now     func() time.Time
	mu      sync.RWMutex
	handler scheduler.Handler
	stop    context.CancelFunc
	done    chan struct{}
}

var _ scheduler.Scheduler = (*Scheduler)(nil)

// NewClient dials Redis and checks the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return c, nil
}

func New(client redis.UniversalClient, cfg Config, log logger.Logger) *Scheduler {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Scheduler{
		client: client,
		key:    cfg.Key,
		poll:   time.Duration(cfg.PollMS) * time.Millisecond,
		batch:  cfg.Batch,
		log:    log,
		now:    time.Now,
	}
}

func (s *Scheduler) Handle(h scheduler.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Schedule stores the deadline, replacing any earlier one for rideID.
func (s *Scheduler) Schedule(ctx context.Context, rideID string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: rideID}).Err()
	if err != nil {
		return fmt.Errorf("redis: schedule %s: %w", rideID, err)
	}
	return nil
}

// Pending reports the number of stored deadlines.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key).Result()
}

// Start launches the poll loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.poll)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := s.FireDue(ctx); err != nil && ctx.Err() == nil {
					s.log.Warnw("deadline poll failed", map[string]any{"error": err})
				}
			}
		}
	}()
}

// FireDue claims every deadline at or before now and runs the handler for
// each claimed ride. It returns how many handlers ran.
func (s *Scheduler) FireDue(ctx context.Context) (int, error) {
	upto := strconv.FormatInt(s.now().UnixMilli(), 10)
	due, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: "-inf", Max: upto, Count: s.batch}).Result()
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()

	fired := 0
	for _, rideID := range due {
		n, err := s.client.ZRem(ctx, s.key, rideID).Result()
		if err != nil {
			return fired, err
		}
		if n == 0 {
			// Another replica claimed it.
			continue
		}
		if h != nil {
			s.run(ctx, h, rideID)
		}
		fired++
	}
	return fired, nil
}

func (s *Scheduler) run(ctx context.Context, h scheduler.Handler, rideID string) {
	defer monitoring.Recover()
	h(ctx, rideID)
}

// Close stops the poll loop and waits for it to exit.
func (s *Scheduler) Close() {
	if s.stop == nil {
		return
	}
	s.stop()
	<-s.done
}
