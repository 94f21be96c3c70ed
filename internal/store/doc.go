// Package store defines the persistence interfaces consumed by ingestion,
// source sync and the run ledger. Implementations live under
// internal/storage; this package must not import database drivers.
package store
