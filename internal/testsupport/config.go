package testsupport

import (
	"path/filepath"
	"testing"

	"gantry/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Workflow.QueuePollInterval = 1
	cfg.Workflow.ErrorRetryInterval = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithDestination registers an enabled destination on the test config.
func WithDestination(key string, site config.Destination) ConfigOption {
	return func(cfg *config.Config) {
		site.Enabled = true
		cfg.Destinations.Sites[key] = site
	}
}

// WithApprovalDisabled turns off the approval gate for pipeline tests.
func WithApprovalDisabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.ApprovalRequired = false
	}
}
