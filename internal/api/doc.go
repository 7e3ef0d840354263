// Package api hosts the ops HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queue and /v1/queue/{year} for per-year link queue statistics.
//   - POST /v1/stages/{stage}/run to run one pass of a stage immediately.
package api
