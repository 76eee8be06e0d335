package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ridedispatch/core/factory"
	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
	"github.com/kilianp07/ridedispatch/core/model"
)

func useRegistry(t *testing.T) {
	t.Helper()
	old := promRegisterer
	promRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { promRegisterer = old })
}

func TestSinksFromConfig(t *testing.T) {
	useRegistry(t)
	rec := &lineRecorder{}
	srv := rec.server(t)

	sink, err := coremetrics.NewSink(coremetrics.Config{Sinks: []factory.ModuleConfig{
		{Type: "prometheus"},
		{Type: "influx", Conf: map[string]any{
			"url": srv.URL, "token": "t", "org": "rides", "bucket": "dispatch", "health_check": "false",
		}},
	}})
	require.NoError(t, err)
	multi, ok := sink.(*coremetrics.MultiSink)
	require.True(t, ok, "got %T", sink)
	require.Len(t, multi.Sinks, 2)
	prom, ok := multi.Sinks[0].(*PromSink)
	require.True(t, ok)
	influx, ok := multi.Sinks[1].(*InfluxSink)
	require.True(t, ok)
	t.Cleanup(influx.Close)

	now := time.Now()
	require.NoError(t, sink.RecordRideTransition(coremetrics.RideTransition{
		RideID: "r1", PullerID: "p1", From: model.RideSearching, To: model.RideAccepted, Age: 3 * time.Second, Time: now,
	}))
	assert.Contains(t, rec.last(), "ride_transition")
	assert.Contains(t, rec.last(), "ride_id=r1")

	require.NoError(t, multi.RecordSettlement(coremetrics.Settlement{
		PullerID: "p1", RideID: "r1", Reason: model.ReasonRideCompletion, Points: 7, Balance: 7, Time: now,
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.transitions.WithLabelValues("SEARCHING", "ACCEPTED")))
	assert.Equal(t, 7.0, testutil.ToFloat64(prom.points.WithLabelValues(string(model.ReasonRideCompletion))))
	assert.Equal(t, 7.0, testutil.ToFloat64(prom.balance.WithLabelValues("p1")))
}

func TestInfluxConfRequiresTarget(t *testing.T) {
	cases := map[string]map[string]any{
		"no url":    {"org": "o", "bucket": "b"},
		"no bucket": {"url": "http://127.0.0.1:1", "org": "o"},
	}
	for name, conf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := coremetrics.NewSink(coremetrics.Config{Sinks: []factory.ModuleConfig{{Type: "influx", Conf: conf}}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "influx sink")
		})
	}
}

func TestBuiltinSinkTypes(t *testing.T) {
	assert.Subset(t, coremetrics.SinkTypes(), []string{"influx", "nop", "prometheus"})
	s, err := coremetrics.NewSink(coremetrics.Config{Sinks: []factory.ModuleConfig{{Type: "nop"}}})
	require.NoError(t, err)
	assert.IsType(t, coremetrics.NopSink{}, s)
}
