package metrics

import (
	"fmt"

	"github.com/kilianp07/ridedispatch/core/factory"
)

var sinks = factory.NewRegistry[MetricsSink]()

// RegisterSink makes a sink type available to Config.Sinks.
func RegisterSink(name string, f factory.Factory[MetricsSink]) error {
	return sinks.Register(name, f)
}

// SinkTypes lists the registered sink types.
func SinkTypes() []string { return sinks.Types() }

// NewSink builds every sink listed in cfg. Without sinks it returns NopSink,
// a single sink is returned as is and several are wrapped in a MultiSink.
// When one sink fails, the ones already built are closed.
func NewSink(cfg Config) (MetricsSink, error) {
	built := make([]MetricsSink, 0, len(cfg.Sinks))
	for i, mc := range cfg.Sinks {
		s, err := sinks.Create(mc)
		if err != nil {
			closeSinks(built)
			return nil, fmt.Errorf("metrics sink %d (%s): %w", i, mc.Type, err)
		}
		built = append(built, s)
	}
	switch len(built) {
	case 0:
		return NopSink{}, nil
	case 1:
		return built[0], nil
	}
	return NewMultiSink(built...), nil
}

func closeSinks(ss []MetricsSink) {
	for _, s := range ss {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
