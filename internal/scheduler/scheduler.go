// Package scheduler implements the Scheduler Loop component: a
// PollerWorker that repeatedly leases the next due test, runs it, and
// requeues it, observing a shutdown signal between suspension points so
// a running test is never interrupted mid-step.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/webpoller/engine/internal/runner"
	"github.com/webpoller/engine/pkg/models"
)

// Queue is the collaborator a PollerWorker leases work from and reports
// back to (§6 "queue" contract). NextDue blocks until a test is due or
// ctx is cancelled; Requeue schedules the test's next run after interval
// has elapsed.
type Queue interface {
	NextDue(ctx context.Context) (models.HttpTest, error)
	Requeue(test models.HttpTest, interval time.Duration, when time.Time)
}

// PollerWorker runs one sequential lease→execute→requeue loop. Multiple
// independent PollerWorkers, each running its own loop (they may share a
// Queue and a Runner), make up the process's overall poller capacity — there is deliberately
// no shared "concurrency" knob inside a single worker, since §5 requires
// sequential-within-a-worker execution.
type PollerWorker struct {
	Queue   Queue
	Runner  *runner.Runner
	Limiter *rate.Limiter // paces lease throughput; nil disables pacing
	Now     func() time.Time
}

// NewPollerWorker returns a worker with no lease pacing and a time.Now
// clock.
func NewPollerWorker(queue Queue, r *runner.Runner) *PollerWorker {
	return &PollerWorker{Queue: queue, Runner: r, Now: time.Now}
}

// Run leases and executes tests until ctx is cancelled. A test already
// in flight always finishes its current step loop; the shutdown signal
// is only observed between a completed test and the next lease, and
// inside the Runner's own per-step check (internal/runner.Runner.IsRunning).
func (w *PollerWorker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return
			}
		}

		test, err := w.Queue.NextDue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("failed to lease next due test", "error", err)
			continue
		}

		result := w.Runner.RunTest(context.WithoutCancel(ctx), test)

		interval, err := runner.ParseDelay(test.Delay)
		if err != nil {
			interval = runner.DefaultInterval
		}
		w.Queue.Requeue(test, interval, w.now())

		_ = result // the Runner has already emitted the test's outcome via its Emitter
	}
}

func (w *PollerWorker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
