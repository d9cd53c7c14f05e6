// Package progress defines the lifecycle events emitted by the batch runner
// and the reconciler, and a non-blocking Hub that batches them on a
// background goroutine before fanning out to pluggable sinks such as logs,
// Prometheus collectors or message brokers.
package progress
