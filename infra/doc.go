// Package infra contains technical adapters such as the MQTT and WebSocket
// transports, the Postgres store, the Redis deadline queue and metrics
// exporters. These packages depend only on the interfaces defined in the
// core packages.
package infra
