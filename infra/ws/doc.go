// Package ws pushes outbound messages to puller apps over WebSocket and reads
// their command envelopes. Connections are tracked in a core/registry
// keyed by puller id; a newer connection for the same puller replaces the
// older one.
package ws
