// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/query/batch and /v1/query/district to run a batch synchronously.
//   - GET /v1/districts and /v1/register-kinds for the static catalog.
//
// When auth is enabled every /v1 route requires the X-API-Key header or the
// api_key query parameter.
package api
