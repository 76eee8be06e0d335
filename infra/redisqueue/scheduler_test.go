package redisqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/test/util"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	util.RequireDocker(t)
	ctx := context.Background()
	addr, cleanup, err := util.StartRedis(ctx)
	if err != nil {
		t.Skipf("redis container: %v", err)
	}
	t.Cleanup(cleanup)
	c, err := NewClient(ctx, Config{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.Equal(t, "localhost:6379", c.Addr)
	assert.Equal(t, "ridedispatch:deadlines", c.Key)
	assert.Equal(t, 250, c.PollMS)
	assert.EqualValues(t, 100, c.Batch)
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
}

func TestFireDueRunsOnlyElapsedDeadlines(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()
	s := New(c, Config{Key: "test:due"}, nil)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	var fired []string
	s.Handle(func(_ context.Context, id string) { fired = append(fired, id) })

	require.NoError(t, s.Schedule(ctx, "r1", now.Add(-time.Second)))
	require.NoError(t, s.Schedule(ctx, "r2", now.Add(time.Minute)))
	require.NoError(t, s.Schedule(ctx, "r3", now))

	n, err := s.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"r1", "r3"}, fired)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	// Rescheduling replaces the deadline instead of adding a second one.
	require.NoError(t, s.Schedule(ctx, "r2", now.Add(-time.Millisecond)))
	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
	n, err = s.FireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplicasClaimEachDeadlineOnce(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()
	var mu sync.Mutex
	count := map[string]int{}
	handler := func(_ context.Context, id string) {
		mu.Lock()
		count[id]++
		mu.Unlock()
	}
	past := time.Now().Add(-time.Second)
	a := New(c, Config{Key: "test:claim"}, nil)
	b := New(c, Config{Key: "test:claim"}, nil)
	a.Handle(handler)
	b.Handle(handler)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, a.Schedule(ctx, id, past))
	}

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, err := s.FireDue(ctx)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	assert.Len(t, count, 4)
	for id, n := range count {
		assert.Equalf(t, 1, n, "ride %s", id)
	}
}

func TestPollLoop(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()
	s := New(c, Config{Key: "test:loop", PollMS: 20}, nil)
	got := make(chan string, 1)
	s.Handle(func(_ context.Context, id string) { got <- id })
	s.Start(ctx)
	defer s.Close()

	require.NoError(t, s.Schedule(ctx, "r1", time.Now().Add(50*time.Millisecond)))
	select {
	case id := <-got:
		assert.Equal(t, "r1", id)
	case <-time.After(3 * time.Second):
		t.Fatal("deadline never fired")
	}
}
