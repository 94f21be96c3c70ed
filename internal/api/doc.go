// Package api hosts the ops HTTP server. Notable routes:
//   - GET /healthz and /readyz for liveness and store readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger an ingestion run (409 while one is in flight).
//   - GET /v1/runs and /v1/runs/{run_id} to read the run ledger.
package api
