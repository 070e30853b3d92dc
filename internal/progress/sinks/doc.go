// Package sinks implements progress consumers: a structured log sink and a
// Prometheus sink for run, fetch, opportunity and reward metrics.
package sinks
