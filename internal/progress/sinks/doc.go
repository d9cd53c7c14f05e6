// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, and Kafka or Pub/Sub publishers. Each sink satisfies
// the progress.Sink interface.
package sinks
