// Package server implements the HTTP control API for the recorder: start,
// stop and abort a recording, download the result, and list, recover or
// discard abandoned sessions. Every route is instrumented with request
// metrics, and /metrics exposes the Prometheus registry.
package server
