// Package sinks contains lifecycle event sinks: structured logging for
// development and Prometheus collectors for production dashboards.
package sinks
