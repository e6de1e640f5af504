// Package metrics exposes Prometheus metrics for the HTTP API and the ledger:
// operation outcomes by error code, release volumes per schedule category, and
// supply gauges updated on every commit.
package metrics
