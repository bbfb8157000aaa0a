// Package scheduler implements the cooperative, single-goroutine task
// runtime every board runs its role under. There are no
// coroutines and no preemption: each registered task gets called on its
// own fixed period, runs to completion (or to its own internal suspend
// point — a role's Step already never blocks past its configured
// timeouts), and yields back to the harness. A task that panics is
// recorded as a fatal error and the process exits for a supervisor to
// restart, mirroring a microcontroller's reset-on-fatal-NVM-error
// behavior on this POSIX-hosted companion computer.
package scheduler

import (
	"context"
	"os"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/geminga-fl/boardcore/internal/nvm"
)

// Task is one cooperatively-scheduled unit of work.
type Task struct {
	Name   string
	Period time.Duration
	Step   func()
}

// Harness runs a fixed set of Tasks forever, each woken at its own period.
type Harness struct {
	tasks []Task
	nvm   *nvm.Store
	log   *log.Entry
	exit  func(code int)
}

// Option configures a Harness at construction time.
type Option func(*Harness)

// WithExitFunc overrides the process-exit function invoked after a fatal
// task panic, primarily for tests that must not actually exit.
func WithExitFunc(f func(code int)) Option {
	return func(h *Harness) { h.exit = f }
}

// New constructs a Harness. nvmStore may be nil, in which case a fatal
// panic is logged but not persisted (acceptable only in tests — production
// wiring always supplies one).
func New(nvmStore *nvm.Store, tasks []Task, opts ...Option) *Harness {
	h := &Harness{
		tasks: tasks,
		nvm:   nvmStore,
		log:   log.WithField("component", "scheduler"),
		exit:  os.Exit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives every task at its configured period until ctx is canceled.
// Each tick it wakes exactly the tasks whose period has elapsed, runs them
// in registration order, and sleeps until the next one is due.
func (h *Harness) Run(ctx context.Context) {
	now := time.Now()
	next := make([]time.Time, len(h.tasks))
	for i, t := range h.tasks {
		next[i] = now.Add(t.Period)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		wake := next[0]
		for _, n := range next[1:] {
			if n.Before(wake) {
				wake = n
			}
		}
		sleep := time.Until(wake)
		if sleep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		}

		now = time.Now()
		for i, t := range h.tasks {
			if now.Before(next[i]) {
				continue
			}
			h.runTask(t)
			next[i] = now.Add(t.Period)
		}
	}
}

// runTask executes one task's Step, converting a panic into a fatal
// error: log it, persist a crash snapshot and bump the NVM
// error counter, then exit for a supervisor to restart the process. A
// panic never propagates back into Run — one runaway task must not take
// down every other role sharing the harness mid-tick, though in practice
// the process is about to exit anyway.
func (h *Harness) runTask(t Task) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := debug.Stack()
		h.log.WithField("task", t.Name).WithField("panic", r).Error("scheduler: task panicked, treating as fatal")
		if h.nvm != nil {
			snapshot := append([]byte(t.Name+": "), stack...)
			if err := h.nvm.SaveSnapshot(snapshot); err != nil {
				h.log.WithError(err).Warn("scheduler: failed to persist crash snapshot")
			}
			if _, err := h.nvm.Increment(); err != nil {
				h.log.WithError(err).Warn("scheduler: failed to persist fatal error counter")
			}
		}
		h.exit(1)
	}()
	t.Step()
}
