// Package pipeline contains the stage engine and the daemon loop that feeds
// it from the queue.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
)

// Manager polls the queue and drives one job at a time through the engine.
// A single loop goroutine owns all job writes, so stage handlers never race
// on queue state.
type Manager struct {
	cfg    *config.Config
	store  *queue.Store
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewManager builds the daemon loop around an engine.
func NewManager(cfg *config.Config, store *queue.Store, engine *Engine, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: logging.NewComponentLogger(logger, "manager"),
	}
}

// Start launches the polling loop. Calling Start on a running manager is a
// no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.run(loopCtx)
}

// Stop cancels the loop and waits for in-flight stage work to unwind.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.started = false
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	poll := time.Duration(m.cfg.Workflow.QueuePollInterval) * time.Second
	m.logger.InfoContext(ctx, "queue loop started", logging.Duration("poll_interval", poll))

	for {
		processed := m.processNext(ctx)
		if ctx.Err() != nil {
			m.logger.InfoContext(ctx, "queue loop stopped")
			return
		}
		if processed {
			// Drain the queue before going back to sleep.
			continue
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "queue loop stopped")
			return
		}
	}
}

// processNext claims and advances at most one job, reporting whether any
// work was found.
func (m *Manager) processNext(ctx context.Context) bool {
	retryCutoff := time.Now().UTC().Add(-time.Duration(m.cfg.Workflow.ErrorRetryInterval) * time.Second)
	job, err := m.store.NextRunnable(ctx, retryCutoff)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "poll queue", logging.Error(err))
		}
		return false
	}
	if job == nil {
		return false
	}

	if job.Status == queue.StatusFailed {
		// A retryable failure aged past the cutoff; give the stage another
		// chance from its last checkpoint.
		job.Status = job.StatusFromCheckpoints()
		job.ErrorMessage = ""
		job.Retryable = false
		if err := m.store.Update(ctx, job); err != nil {
			m.logger.ErrorContext(ctx, "revive failed job", logging.Error(err))
			return false
		}
	}

	jobCtx := services.WithRequestID(ctx, uuid.NewString())
	if err := m.engine.Advance(jobCtx, job, false); err != nil && !services.IsCancelled(err) {
		m.logger.WarnContext(jobCtx, "job halted",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
	return true
}
