// Package api hosts the crawler's admin HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for crawl progress.
package api
