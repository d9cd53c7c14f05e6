// Package api hosts the HTTP server, middleware, and REST handlers for the
// task board. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST/DELETE /v1/tasks plus /v1/tasks/start and /v1/tasks/stop for
//     per-task actions.
//   - POST /v1/batch to run the selection; /v1/selection/... to edit it.
package api
