// Package api hosts the HTTP server, middleware and REST handlers for
// submitting scrapes and fetching their results. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrapes to queue a search URL.
//   - GET /v1/scrapes/{job_id}[/listings|/report] to read results.
//   - POST /v1/scrapes/{job_id}/cancel to stop a job.
package api
