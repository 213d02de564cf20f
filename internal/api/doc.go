// Package api hosts the HTTP server, middleware, and REST handlers for the
// capture service. Notable routes:
//   - POST /v1/jobs to submit a URL, GET /v1/jobs[/{job_id}] to inspect jobs,
//     POST /v1/jobs/{job_id}/cancel to cancel one.
//   - GET /v1/articles/{article_number} for the latest record per article.
//   - GET /v1/pool for browser pool stats.
//   - GET /v1/events for the websocket progress stream.
//   - GET /healthz, /readyz and /metrics for operators.
package api
