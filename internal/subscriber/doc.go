// Package subscriber holds the set of event subscribers and broadcasts events to them.
package subscriber
