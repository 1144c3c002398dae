// Package stage defines the contract each pipeline stage implements.
package stage

import (
	"context"
	"errors"

	"gantry/internal/queue"
)

// ErrNothingToDo is returned by a handler that ran cleanly but produced no
// forward progress, such as an upload fan-out where every destination already
// had the release. The engine stops without checkpointing the stage and
// without marking the job failed.
var ErrNothingToDo = errors.New("nothing to do")

// Health reports whether a stage's external dependencies are usable.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy builds a passing health report.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy builds a failing health report with a reason.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Handler executes one pipeline stage against a job. Execute mutates the job
// in place; the engine persists it afterwards. Implementations must be
// idempotent, since a crash between execution and checkpoint write replays
// the stage.
type Handler interface {
	Execute(ctx context.Context, job *queue.Job) error
	HealthCheck(ctx context.Context) Health
}
