// Package config loads, normalizes, and validates the TOML configuration
// that drives the gantry daemon: filesystem paths, workflow intervals,
// resilience tuning, and per-destination upload settings.
package config
