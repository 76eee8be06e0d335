package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kilianp07/ridedispatch/api/dispatch"
	"github.com/kilianp07/ridedispatch/api/rides"
	"github.com/kilianp07/ridedispatch/config"
	coredispatch "github.com/kilianp07/ridedispatch/core/dispatch"
	"github.com/kilianp07/ridedispatch/core/dispatch/logging"
	"github.com/kilianp07/ridedispatch/core/events"
	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
	"github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/core/scheduler"
	"github.com/kilianp07/ridedispatch/core/store"
	"github.com/kilianp07/ridedispatch/infra/kafka"
	"github.com/kilianp07/ridedispatch/infra/logger"
	"github.com/kilianp07/ridedispatch/infra/metrics"
	inframon "github.com/kilianp07/ridedispatch/infra/monitoring"
	"github.com/kilianp07/ridedispatch/infra/mqtt"
	"github.com/kilianp07/ridedispatch/infra/postgres"
	"github.com/kilianp07/ridedispatch/infra/redisqueue"
	"github.com/kilianp07/ridedispatch/infra/ws"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

// busBuffer is the per-subscriber queue of the dispatch bus.
const busBuffer = 256

// Service wires the dispatch engine to its store, scheduler, transports
// and observers.
type Service struct {
	Engine *coredispatch.Engine

	cfg    *config.Config
	log    logger.Logger
	store  store.Store
	sched  scheduler.Scheduler
	redisQ *redisqueue.Scheduler
	redis  *redis.Client
	bus    *eventbus.TypedBus[events.Event]
	hub    *ws.Hub
	mqtt   *mqtt.PahoClient
	sink   coremetrics.MetricsSink
	kafka  *kafka.Publisher
	audit  logging.LogStore
	http   *http.Server
}

// New builds a Service from cfg. Optional backends left disabled fall back
// to their in-process versions: the memory store and timer deadlines.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	s := &Service{cfg: cfg, log: logger.New("service")}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	mon, err := inframon.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	monitoring.Init(mon)

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	if err := Seed(ctx, s.store, cfg.Seed); err != nil {
		return nil, err
	}
	if err := s.openScheduler(ctx); err != nil {
		return nil, err
	}

	s.bus = eventbus.NewTypedBuffered[events.Event](busBuffer)
	s.hub = ws.NewHub(cfg.WS, nil, logger.New("ws"))
	notifiers := []notify.Notifier{s.hub}
	if cfg.MQTT.Enabled {
		s.mqtt, err = mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		notifiers = append(notifiers, s.mqtt)
	}

	s.Engine, err = coredispatch.NewEngine(cfg.Dispatch, s.store, notify.NewMultiNotifier(notifiers...), s.sched, s.bus, logger.New("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("dispatch engine: %w", err)
	}
	s.hub.SetHandler(s.Engine)
	if s.mqtt != nil {
		s.mqtt.SetHandler(s.Engine)
	}

	s.audit, err = logging.New(cfg.OfferLog)
	if err != nil {
		return nil, fmt.Errorf("offer log: %w", err)
	}
	s.Engine.SetLogStore(s.audit)

	if len(cfg.Metrics.Sinks) > 0 {
		s.sink, err = coremetrics.NewSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("metrics sinks: %w", err)
		}
	}
	if cfg.Kafka.Enabled {
		s.kafka = kafka.NewPublisher(cfg.Kafka, logger.New("kafka"))
	}

	router := rides.NewRouter(s.Engine, s.hub, dispatch.NewLogHandler(s.audit, cfg.HTTP.AdminToken), cfg.HTTP.AdminToken)
	s.http = &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	ok = true
	return s, nil
}

func (s *Service) openStore(ctx context.Context) error {
	if !s.cfg.Postgres.Enabled {
		s.log.Warnf("postgres disabled, using in-memory store")
		s.store = store.NewMemoryStore()
		return nil
	}
	pg, err := postgres.Open(ctx, s.cfg.Postgres)
	if err != nil {
		return err
	}
	s.store = pg
	return nil
}

func (s *Service) openScheduler(ctx context.Context) error {
	if !s.cfg.Redis.Enabled {
		s.sched = scheduler.NewTimerScheduler()
		return nil
	}
	client, err := redisqueue.NewClient(ctx, s.cfg.Redis)
	if err != nil {
		return err
	}
	s.redis = client
	s.redisQ = redisqueue.New(client, s.cfg.Redis, logger.New("redisqueue"))
	s.sched = s.redisQ
	return nil
}

// Run starts the background workers and the HTTP listener. It blocks until
// ctx is cancelled or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.sink != nil {
		metrics.StartEventCollector(ctx, s.bus, s.sink)
	}
	if s.kafka != nil {
		s.kafka.Start(ctx, s.bus)
	}
	if s.redisQ != nil {
		s.redisQ.Start(ctx)
	}

	errc := make(chan error, 2)
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				errc <- fmt.Errorf("prom server: %w", err)
			}
		}()
	}
	go func() {
		s.log.Infof("serving API on %s", s.cfg.HTTP.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		s.log.Errorf("%v", runErr)
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("http shutdown: %v", err)
	}
	return runErr
}

// Close releases every resource held by the service. It is safe to call on
// a partially built Service.
func (s *Service) Close() error {
	var errs []error
	if s.hub != nil {
		s.hub.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.redisQ != nil {
		s.redisQ.Close()
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if t, ok := s.sched.(*scheduler.TimerScheduler); ok {
		t.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.kafka != nil {
		errs = append(errs, s.kafka.Close())
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	monitoring.Flush(2 * time.Second)
	return errors.Join(errs...)
}
