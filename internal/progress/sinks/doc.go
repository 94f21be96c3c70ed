// Package sinks implements the metric sample consumers: the record store,
// Prometheus and structured logs.
package sinks
