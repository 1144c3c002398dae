package daemon_test

import (
	"context"
	"testing"

	"gantry/internal/daemon"
	"gantry/internal/logging"
	"gantry/internal/pipeline"
	"gantry/internal/queue"
	"gantry/internal/stage"
	"gantry/internal/testsupport"
)

func newTestDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	engine := pipeline.NewEngine(cfg, store, map[queue.Stage]stage.Handler{}, nil, logging.NewNop())
	manager := pipeline.NewManager(cfg, store, engine, logging.NewNop())

	d, err := daemon.New(cfg, store, manager, logging.NewNop())
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newTestDaemon(t)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second start on a running daemon should fail")
	}
	d.Stop()
	d.Stop()

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	d.Stop()
}

func TestDaemonRequiresDependencies(t *testing.T) {
	if _, err := daemon.New(nil, nil, nil, nil); err == nil {
		t.Fatal("expected an error for missing dependencies")
	}
}
