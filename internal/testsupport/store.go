package testsupport

import (
	"testing"

	"gantry/internal/config"
	"gantry/internal/queue"
)

// MustOpenStore opens a queue store for the given config and registers
// cleanup on the test.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
