package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/ridedispatch/core/metrics"
)

// PromSink records dispatch events in Prometheus metrics.
type PromSink struct {
	transitions *prometheus.CounterVec
	rideAge     *prometheus.HistogramVec
	offerBatch  *prometheus.HistogramVec
	points      *prometheus.CounterVec
	balance     *prometheus.GaugeVec
}

// NewPromSink registers ride metrics on the default Prometheus registerer.
// The /metrics endpoint is started separately with StartPromServer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_status_changes_total",
		Help: "Ride status changes observed on the dispatch bus",
	}, []string{"from", "to"})
	rideAge := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ride_age_seconds",
		Help:    "Time from ride request to each status change",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900, 1800, 3600},
	}, []string{"to"})
	offerBatch := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ride_offer_batch_size",
		Help:    "Number of pullers reached per offer fan-out",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	}, []string{"redistribution"})
	points := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_points_changed_total",
		Help: "Sum of absolute points changes per ledger reason",
	}, []string{"reason"})
	balance := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "puller_points_balance",
		Help: "Last known points balance per puller",
	}, []string{"puller_id"})

	var err error
	if transitions, err = registerOrExisting(reg, transitions); err != nil {
		return nil, err
	}
	if rideAge, err = registerOrExisting(reg, rideAge); err != nil {
		return nil, err
	}
	if offerBatch, err = registerOrExisting(reg, offerBatch); err != nil {
		return nil, err
	}
	if points, err = registerOrExisting(reg, points); err != nil {
		return nil, err
	}
	if balance, err = registerOrExisting(reg, balance); err != nil {
		return nil, err
	}
	return &PromSink{transitions: transitions, rideAge: rideAge, offerBatch: offerBatch, points: points, balance: balance}, nil
}

func registerOrExisting[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordRideTransition counts the status change and observes the ride age.
func (s *PromSink) RecordRideTransition(ev coremetrics.RideTransition) error {
	from := string(ev.From)
	if from == "" {
		from = "NEW"
	}
	s.transitions.WithLabelValues(from, string(ev.To)).Inc()
	s.rideAge.WithLabelValues(string(ev.To)).Observe(ev.Age.Seconds())
	return nil
}

// RecordOfferBatch observes the size of an offer fan-out.
func (s *PromSink) RecordOfferBatch(ev coremetrics.OfferBatch) error {
	s.offerBatch.WithLabelValues(strconv.FormatBool(ev.Redistribution)).Observe(float64(ev.Recipients))
	return nil
}

// RecordSettlement tracks ledger movement and the resulting balance.
func (s *PromSink) RecordSettlement(ev coremetrics.Settlement) error {
	delta := ev.Points
	if delta < 0 {
		delta = -delta
	}
	s.points.WithLabelValues(string(ev.Reason)).Add(float64(delta))
	s.balance.WithLabelValues(ev.PullerID).Set(float64(ev.Balance))
	return nil
}
