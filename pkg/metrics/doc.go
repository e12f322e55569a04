// Package metrics defines the Prometheus collectors exported by the
// host. All collectors are registered at init and served through
// Handler on /metrics.
package metrics
