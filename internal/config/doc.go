// Package config provides configuration loading and validation for the tracking gateway.
// It handles YAML-based configuration layered over built-in defaults, with per-section
// validation for the device listener, HTTP subscriber endpoint, webhooks and logging.
package config
