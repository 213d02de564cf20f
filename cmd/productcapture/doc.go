// Package main hosts the product capture service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts product page URLs, reports job status, cancels jobs, and serves the
//     article index, pool statistics, a websocket progress stream, health probes and /metrics.
//   - Scheduling: internal/queue.Scheduler owns every job transition. Jobs wait in an in-memory ready queue, start
//     under a token-bucket rate limit, and run on a fixed set of workers sized by queue.concurrency. Failed attempts
//     are retried by failure class with linear or exponential backoff.
//   - Capture pipeline: each attempt borrows a chromedp session from internal/pool, renders the page and takes a
//     screenshot, then runs the markup extractor and (when needed) the OCR extractor before merging both into one
//     record with per-field confidence and provenance.
//   - Persistence & fanout: jobs live in memory or Postgres; screenshots go to memory, local disk or GCS; results
//     are cached in memory or Redis by URL and content fingerprint. Lifecycle events are batched by the progress hub
//     and fanned out to log, Prometheus, websocket, Pub/Sub and article-index sinks.
//
// Operational notes:
//   - Configuration comes from an optional file plus PRODUCT_* env vars (a .env file is loaded first). PORT
//     overrides server.port for Cloud Run.
//   - SIGINT/SIGTERM stop the workers and drain the HTTP server. Jobs interrupted by shutdown stay in the store and
//     are re-queued on the next start.
//   - Run locally: go run ./cmd/productcapture -config config.yaml
package main
