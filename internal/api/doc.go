// Package api hosts the optional status server of a surfing session.
// Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/results, /v1/usage and /v1/session for the running session.
//   - GET /v1/memory/sites and /v1/memory/patterns for what the agent learned.
package api
