// Package api hosts the HTTP server, middleware and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for health checks, GET /metrics for Prometheus.
//   - GET /v1/status for the fleet view (degrades, never fails).
//   - GET /v1/opportunities and friends for the read-only feed.
//   - /v1/targets for target configuration and manual pause/reactivate.
//
// Mutating routes require X-API-Key when an API key is configured.
package api
