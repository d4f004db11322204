// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /api/items to archive a URL, GET /api/items to list and search.
//   - GET /api/items/{id} for an item with its tags and assets.
//   - GET /files/{asset_id} to download stored bytes.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
