// Package progress carries job lifecycle events. The Tracker keeps bounded
// per-job history and invokes subscriber callbacks; the Hub batches the same
// events on a background goroutine and fans them out to sinks such as logs
// and Prometheus.
package progress
