// Package api serves the read-only status surface of the crawl host:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/sessions and /api/sessions/{session_id} for session progress.
//   - GET /api/sessions/{session_id}/sites for per-host fetch aggregation.
//   - GET /api/sessions/{session_id}/records for saved records.
package api
