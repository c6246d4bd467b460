// Package metrics exposes Prometheus collectors for the bridge agent: turn
// loop iterations, model calls and token usage, tool outcomes, session status
// transitions and HTTP traffic.
package metrics
