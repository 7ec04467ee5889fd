// Package events provides the lifecycle event primitives, non-blocking hub,
// and emitter interface the archive cache uses to report what it does with
// handles. The hub batches events on a background goroutine and fans them out
// to pluggable sinks such as structured logs or Prometheus collectors.
package events
