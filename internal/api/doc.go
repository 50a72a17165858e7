// Package api hosts the HTTP trigger server. Routes:
//   - GET /api/cron (path configurable) runs one fetch cycle, guarded by a
//     bearer secret when one is configured.
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
package api
