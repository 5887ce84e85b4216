// Package device keeps the registry of connected trackers.
// It records connection metadata, identity learned from login frames and the
// last published fix, and closes connections that stay idle past the timeout.
package device
