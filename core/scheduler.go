package core

// scheduler.go — the cooperative task scheduler of §5: one long-lived
// task accepts incoming streams and dispatches handlers (that task is the
// libp2p stream handler itself, registered once in network.go), one task
// runs the settlement batcher on a timer (batcher.go), and one task per
// outbound request awaits its response or the 30-second timeout
// (network.go's SendRequest, called directly from operations.go — no
// separate scheduling needed there since Go's goroutine-per-call already
// gives each outbound request its own task). Scheduler exists to give the
// batcher (and any future periodic task) a single place to start from and
// shut down from, mirroring the teacher's "one process-wide thing started
// at NewNode, torn down at Close" shape but generalized with
// golang.org/x/sync/errgroup rather than a bespoke WaitGroup, since the
// teacher's go.mod already carries errgroup as an indirect dependency of
// its libp2p stack.

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is one long-lived unit of work the scheduler supervises. It must
// return promptly once ctx is cancelled.
type Task func(ctx context.Context) error

// Scheduler runs a fixed set of long-lived cooperative tasks and reports
// the first error any of them returns. It is one of the three
// process-wide singletons of §9: constructed once at node startup.
type Scheduler struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler bound to a fresh cancellable context.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Scheduler{group: group, ctx: gctx, cancel: cancel}
}

// Go starts task as a supervised long-lived goroutine.
func (s *Scheduler) Go(task Task) {
	s.group.Go(func() error {
		return task(s.ctx)
	})
}

// Context returns the scheduler's context; tasks select on
// ctx.Done() to notice shutdown.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Shutdown cancels every supervised task and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.group.Wait()
}

// Wait blocks until every supervised task has returned (normally only
// after Shutdown, or if one task returned a terminal error and the
// errgroup context was cancelled as a result).
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
