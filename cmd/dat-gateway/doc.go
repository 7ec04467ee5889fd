// Package main hosts the gateway entrypoint.
//
// Architecture overview:
//   - Gateway: internal/gateway serves the public listener. Every request is planned by internal/router, which
//     redirects loopback hosts, adds trailing slashes, and recognizes path- or subdomain-addressed archives.
//     Names are resolved through internal/resolve (well-known file first, then DNS TXT) and cached in memory.
//   - Cache: internal/cache holds at most cache.max_entries open archives. Concurrent requests for the same key
//     share one open; readers hold leases so an eviction never closes a handle mid-request. The reaper sweeps
//     entries idle longer than cache.ttl every cache.reap_period.
//   - Storage: archives live under cache.dir, in temporary directories or, with --persist, in durable per-key
//     directories that survive restarts and can be warmed at startup.
//   - Replication: WebSocket upgrades on an archive address are spliced onto the archive's replication stream.
//   - Admin: internal/api exposes /healthz, /readyz, /metrics and the /v1/archives operator endpoints on a
//     separate listener.
//   - Configuration & plumbing: Viper merges flags, DATGW_* env vars and an optional file; zap provides
//     structured logging; Prometheus collects request, resolver, tunnel and cache lifecycle metrics; OpenTelemetry
//     spans cover routing and archive opens.
//
// Operational notes:
//   - On SIGINT/SIGTERM readiness fails first, in-flight gateway requests drain, then every archive is closed.
//   - Run locally: go run ./cmd/dat-gateway -p 3000 --persist, then open http://dat.localhost:3000/.
package main
