// Package main hosts the taskboard service entrypoint.
//
// Architecture overview:
//   - Board: internal/board keeps the bounded task list, the user selection and the single running guard behind one
//     mutex. Every mutation is snapshotted to the configured slot (memory/local/redis/postgres/GCS) before the lock
//     is released, and the list is restored from the same slot at startup.
//   - Reconciler: polls the crawler service's progress endpoint every reconciler.interval_ms and merges the snapshot
//     into the board. Snapshots requested before the current crawl started cannot overwrite its status.
//   - Batch runner: internal/worker drains a batch one url at a time. Each task holds the running guard from START
//     until the board shows a terminal status; a stop, a failed START or a timeout aborts the rest of the batch.
//   - HTTP API: internal/api exposes task, batch and selection actions on chi, plus /healthz, /readyz and /metrics.
//   - Progress: batch and reconciliation milestones flow through a non-blocking hub to log, Prometheus, Kafka and
//     Pub/Sub sinks.
//
// Quick checklist:
//   - Point TASKBOARD_CRAWLER_BASE_URL at the crawler service and pick a snapshot backend with
//     TASKBOARD_PERSISTENCE_BACKEND.
//   - Run locally: go run ./cmd/taskboard -config config.yaml (or rely solely on env overrides).
//   - SIGINT/SIGTERM stops the HTTP server, cancels any running batch and flushes progress sinks.
package main
