// Package webhook implements an HTTP push subscriber.
// Published events are queued and POSTed as JSON to each configured endpoint,
// with bounded concurrency and retry with exponential backoff.
package webhook
