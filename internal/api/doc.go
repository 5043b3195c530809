// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - POST /jobs to submit a fetch; GET /jobs/{id} to poll it.
//   - GET /jobs/{id}/result to download the artifact, which also deletes
//     the job.
//   - DELETE /jobs/{id} to cancel a queued job.
//   - GET /jobs/stats for scheduler occupancy.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus.
//
// Job routes are also mounted under /api/jobs.
package api
