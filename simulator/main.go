package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kilianp07/ridedispatch/infra/logger"
	"github.com/kilianp07/ridedispatch/infra/mqtt"
)

func main() {
	cfg := parseFlags()
	if err := (&cfg).Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	level := "info"
	if cfg.Verbose {
		level = "debug"
	}
	lg := logger.NewWithWriter(os.Stderr, "simulator", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var strat OfferStrategy = AutoAccept{}
	if cfg.RejectRate > 0 || cfg.DropRate > 0 {
		strat = RandomStrategy{RejectRate: cfg.RejectRate, DropRate: cfg.DropRate}
	}
	pullers := GenerateFleet(FleetConfig{
		Size:         cfg.Count,
		CenterLat:    cfg.CenterLat,
		CenterLon:    cfg.CenterLon,
		SpreadMeters: cfg.SpreadMeters,
		OfflineRate:  cfg.OfflineRate,
	})
	lg.Infow("starting simulated pullers", map[string]any{"count": len(pullers), "broker": cfg.Broker})
	runPullers(ctx, pullers, cfg, strat, lg)
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&cfg.TopicPrefix, "topic-prefix", "ridedispatch", "MQTT topic prefix")
	flag.IntVar(&cfg.Count, "count", 5, "number of pullers")
	flag.Float64Var(&cfg.CenterLat, "lat", 22.4600, "latitude the fleet is spread around")
	flag.Float64Var(&cfg.CenterLon, "lon", 91.9700, "longitude the fleet is spread around")
	flag.Float64Var(&cfg.SpreadMeters, "spread", 500, "maximum offset from the center in meters")
	flag.Float64Var(&cfg.OfflineRate, "offline-rate", 0, "share of pullers starting offline")
	flag.DurationVar(&cfg.AckLatency, "ack-latency", 500*time.Millisecond, "delay before answering an offer")
	flag.Float64Var(&cfg.RejectRate, "reject-rate", 0, "offer reject probability")
	flag.Float64Var(&cfg.DropRate, "drop-rate", 0, "offer ignore probability")
	flag.DurationVar(&cfg.Interval, "interval", 30*time.Second, "status publish interval")
	flag.DurationVar(&cfg.TripTime, "trip-time", 5*time.Second, "time between lifecycle steps")
	flag.Float64Var(&cfg.MissMeters, "miss", 0, "drop-off distance from the destination in meters")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	return cfg
}

func runPullers(ctx context.Context, pullers []*SimulatedPuller, cfg Config, strat OfferStrategy, lg logger.Logger) {
	var wg sync.WaitGroup
	for _, p := range pullers {
		p.Broker = cfg.Broker
		p.Topics = mqtt.Topics{Prefix: cfg.TopicPrefix}
		p.Strategy = strat
		p.Latency = cfg.AckLatency
		p.Interval = cfg.Interval
		p.TripTime = cfg.TripTime
		p.MissMeters = cfg.MissMeters
		p.Log = lg
		wg.Add(1)
		go func(p *SimulatedPuller) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				lg.Errorf("%s: %v", p.ID, err)
			}
		}(p)
	}
	wg.Wait()
}
