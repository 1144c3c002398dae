// Package queue persists publishing jobs in SQLite and exposes helpers for
// driving their lifecycle.
//
// A Job carries one nullable checkpoint timestamp per completed pipeline
// stage plus approval timestamps; the pipeline engine resumes a job at its
// first missing checkpoint. Per-destination upload outcomes live in their own
// destination_statuses table with typed columns rather than a JSON blob so
// status transitions stay compile-time checked.
//
// Treat this package as the single source of truth for job semantics; when
// you add statuses or checkpoint fields, update schema.sql and bump
// schemaVersion.
package queue
