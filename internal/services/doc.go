// Package services defines the error taxonomy and context annotations shared
// by pipeline stages, the upload orchestrator, and destination adapters.
//
// Errors carry a Kind that drives retry behavior: network, circuit-open, and
// rate-limited failures are retryable; validation, configuration, and
// authentication failures are fatal. The Wrap helper tags errors with stage
// and operation detail so failure messages stay consistent across the
// pipeline.
package services
