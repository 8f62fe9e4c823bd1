// Package config loads, normalizes, and validates cloudsync configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads .env files next to the config and in the
// working directory, and honours environment fallbacks such as
// CLOUDSYNC_NTFY_TOPIC. The Config type centralizes every knob the sync
// coordinator, queue, daemon, and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
