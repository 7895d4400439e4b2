// Package api hosts the operator HTTP surface of a running crawl:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for bot, workflow and workload state plus run totals.
//   - POST /v1/pause, /v1/resume and /v1/cancel to steer the run.
package api
