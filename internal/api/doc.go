// Package api hosts the admin HTTP server, which listens separately from the
// public gateway. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks. readyz turns 503 once
//     shutdown begins.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/archives lists cached archives; GET and DELETE
//     /v1/archives/{key} inspect or release one.
//   - POST /v1/archives/reap runs an idle sweep immediately.
package api
