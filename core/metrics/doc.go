// Package metrics defines the sinks that observe ride dispatch. Sinks like
// PromSink and InfluxSink record ride transitions, offer fan-outs and points
// settlements and can be combined with NewMultiSink. The factory helpers
// return a MultiSink automatically when multiple sinks are configured.
package metrics
