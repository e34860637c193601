// Package sinks implements the progress consumers: structured logs,
// Prometheus collectors and Pub/Sub notifications of found jobs.
package sinks
