// Package scheduler runs the daemon's periodic maintenance tasks:
// session sweep, peer sweep, latency probe, and heartbeat check. The
// package itself knows nothing about sessions or peers. Each task is
// a plain closure supplied by the composition root, so the scheduler
// stays a generic ticker runner.
package scheduler

import (
	"context"
	"time"

	"github.com/wingthing-broker/agent/internal/logger"
)

// Task is one periodically-run maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler runs a fixed set of Tasks, each on its own ticker, until
// its context is cancelled.
type Scheduler struct {
	tasks []Task
}

// New constructs a Scheduler over tasks. Tasks are not validated
// beyond requiring a positive Interval and non-nil Run; callers supply
// well-formed tasks.
func New(tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks}
}

// Start launches one goroutine per task and returns immediately. Every
// goroutine exits when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		go runTask(ctx, t)
	}
}

func runTask(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, t)
		}
	}
}

// runOnce invokes t.Run with a panic guard so one misbehaving task
// never takes the others down with it.
func runOnce(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler: task panicked", "task", t.Name, "panic", r)
		}
	}()
	t.Run(ctx)
}
