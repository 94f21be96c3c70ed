// Package progress batches run metric samples off the ingestion hot path and
// fans them out to sinks (store, Prometheus, log). Emit never blocks.
package progress
