// Package logging centralizes slog construction for gantry.
//
// It provides console and JSON handlers, attribute helper aliases, and
// context-derived fields (job id, stage, correlation id) so every component
// logs with the same vocabulary.
package logging
