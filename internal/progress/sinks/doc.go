// Package sinks implements progress consumers: structured logs, Prometheus
// job metrics, websocket fan-out and Google Cloud Pub/Sub.
package sinks
