// Package progress delivers job lifecycle notifications. The Hub implements
// Notifier on top of a non-blocking buffered channel, batches events on a
// background goroutine and fans each batch out to pluggable sinks such as
// structured logs, Prometheus, websocket subscribers or Pub/Sub.
package progress
