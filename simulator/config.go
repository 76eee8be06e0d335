package main

import (
	"fmt"
	"time"
)

// Config holds parameters for the simulator.
type Config struct {
	Broker       string
	TopicPrefix  string
	Count        int
	CenterLat    float64
	CenterLon    float64
	SpreadMeters float64
	OfflineRate  float64
	AckLatency   time.Duration
	RejectRate   float64
	DropRate     float64
	Interval     time.Duration
	TripTime     time.Duration
	// MissMeters is how far north of the destination block pullers drop
	// their riders off.
	MissMeters float64
	Verbose    bool
}

func (c *Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	for name, rate := range map[string]float64{"reject-rate": c.RejectRate, "drop-rate": c.DropRate, "offline-rate": c.OfflineRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	if c.RejectRate+c.DropRate > 1 {
		return fmt.Errorf("reject-rate plus drop-rate exceeds 1")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}
