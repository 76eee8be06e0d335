package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/ridedispatch/core/factory"
	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
)

// promRegisterer receives the collectors of sinks built from configuration.
var promRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

// influxConf is the conf block of an "influx" sink.
type influxConf struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
	// HealthCheck pings the server at startup and falls back to a no-op
	// sink when it is down. Defaults to true.
	HealthCheck *bool `json:"health_check"`
}

func (c influxConf) validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if c.Org == "" || c.Bucket == "" {
		return errors.New("org and bucket are required")
	}
	return nil
}

func newInfluxFromConf(conf map[string]any) (coremetrics.MetricsSink, error) {
	var c influxConf
	if err := factory.Decode(conf, &c); err != nil {
		return nil, fmt.Errorf("influx sink: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("influx sink: %w", err)
	}
	if c.HealthCheck != nil && !*c.HealthCheck {
		return NewInfluxSink(c.URL, c.Token, c.Org, c.Bucket), nil
	}
	return NewInfluxSinkWithFallback(c.URL, c.Token, c.Org, c.Bucket), nil
}

func newPromFromConf(map[string]any) (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(promRegisterer)
}

func newNopFromConf(map[string]any) (coremetrics.MetricsSink, error) {
	return coremetrics.NopSink{}, nil
}

func init() {
	for name, f := range map[string]factory.Factory[coremetrics.MetricsSink]{
		"nop":        newNopFromConf,
		"prometheus": newPromFromConf,
		"influx":     newInfluxFromConf,
	} {
		if err := coremetrics.RegisterSink(name, f); err != nil {
			panic(err)
		}
	}
}
