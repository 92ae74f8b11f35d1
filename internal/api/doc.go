// Package api hosts the HTTP server, middleware, and REST handlers for the
// job runner. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs and /v1/jobs/batch for submission.
//   - GET /v1/jobs/{id}, /wait and /events for state, results and the
//     server-sent progress stream; POST /v1/jobs/{id}/cancel.
//   - GET /v1/stats for queue, cache and worker statistics.
package api
