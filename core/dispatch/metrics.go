package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	rideRequests      prometheus.Counter
	rideTransitions   *prometheus.CounterVec
	offersSent        *prometheus.CounterVec
	notifyFailures    *prometheus.CounterVec
	acceptConflicts   prometheus.Counter
	settlementResults *prometheus.CounterVec
	pointsAwarded     prometheus.Histogram
)

// newCollectors creates new metric collectors.
func newCollectors() (prometheus.Counter, *prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, *prometheus.CounterVec, prometheus.Histogram) {
	req := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ride_requests_total",
		Help: "Number of ride requests accepted into SEARCHING",
	})
	trans := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_transitions_total",
			Help: "Committed ride status transitions",
		},
		[]string{"to"},
	)
	offers := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_offers_sent_total",
			Help: "Offers delivered to pullers",
		},
		[]string{"phase"},
	)
	notify := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_notify_failures_total",
			Help: "Outbound messages that could not be delivered",
		},
		[]string{"kind"},
	)
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ride_accept_conflicts_total",
		Help: "Accepts that lost the race for a ride",
	})
	settle := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_settlements_total",
			Help: "Points settlements by outcome",
		},
		[]string{"result"},
	)
	points := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ride_points_awarded",
		Help:    "Points awarded per completed ride",
		Buckets: prometheus.LinearBuckets(0, 1, 11),
	})
	return req, trans, offers, notify, conflicts, settle, points
}

func init() {
	rideRequests, rideTransitions, offersSent, notifyFailures, acceptConflicts, settlementResults, pointsAwarded = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(rideRequests, rideTransitions, offersSent, notifyFailures, acceptConflicts, settlementResults, pointsAwarded)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	rideRequests, rideTransitions, offersSent, notifyFailures, acceptConflicts, settlementResults, pointsAwarded = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
