// Package api hosts the read-only HTTP status server for operators.
// Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources for the newest session summary of every source.
//   - GET /v1/sources/{source}/versions and
//     /v1/sources/{source}/versions/{version} for per-session detail, where
//     {version} may be "latest".
package api
