// Package main hosts the serialfetch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server validates submissions against the site registry and hands them to the job
//     store. Results are downloaded once; a successful download deletes the job and its artifact.
//   - Job store: internal/jobs admits jobs into a FIFO queue and runs at most jobs.max_concurrent at a time, each
//     under a hard timeout. Finished jobs are swept after jobs.retention_seconds; artifacts left by a previous
//     process are removed at startup.
//   - Fetch pipeline: internal/worker routes each job to internal/engine. Paginated origins (FFN) are fetched by
//     several workers in parallel, each owning one headless Chrome session; AO3 uses its whole-work view. Pages
//     are retried with backoff, and failed pages get one slow final pass.
//   - Rendering: internal/render prints sanitized HTML to PDF through Chrome and stamps document properties with
//     pdfcpu, or packages sections as an EPUB.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Browser sessions are capped by browser.max_sessions and navigations per origin by browser.origin_rps.
//   - SIGTERM flips /readyz to 503, stops the HTTP server, then fails queued jobs and cancels running ones.
//
// Quick checklist:
//   - Configure env vars: SERIALFETCH_SERVER_PORT or PORT, MAX_CONCURRENT_JOBS, JOB_TIMEOUT_SECONDS,
//     JOB_RETENTION_SECONDS, PAGES_PER_WORKER, MAX_WORKERS, SERIALFETCH_STORAGE_DIR, SERIALFETCH_BROWSER_EXEC_PATH.
//   - Run locally: go run ./cmd/serialfetch -config config.yaml (or rely solely on env overrides).
package main
