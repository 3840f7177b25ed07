// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package scheduler runs the maintenance tasks: cron- and interval-
triggered, dependency-triggered, and operator-triggered, admitted
against a shared resource budget.

Admission favors system safety: health sweeps outrank user-triggered
tasks, which outrank routine backups. Two runs of the same task are
never concurrent, and Tick never blocks on task completion.
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/homie-os/orchestrator/internal/config"
)

var (
	// ErrUnknownTask means no task with the given id is registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNoHandler means the task kind has no registered handler.
	ErrNoHandler = errors.New("no handler for task kind")
)

// TaskFunc executes one task run.
type TaskFunc func(ctx context.Context, spec config.TaskSpec) error

// Recorder receives scheduling measurements.
type Recorder interface {
	ObserveTaskRun(id string, kind config.TaskKind, duration time.Duration, err error)
	ObserveDeferred(id string)
}

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveTaskRun(string, config.TaskKind, time.Duration, error) {}
func (NopRecorder) ObserveDeferred(string)                                       {}

// Admission priorities, lower runs first.
const (
	prioHealthSweep = 0
	prioUser        = 1
	prioRoutine     = 2
)

// task is the run-state of one declared task.
type task struct {
	spec     config.TaskSpec
	sched    cron.Schedule // nil for interval triggers
	interval time.Duration

	nextRun      time.Time
	running      bool
	userPending  bool
	afterPending bool
	afterSince   time.Time

	lastRun    time.Time
	lastResult string
}

// RunState is the API view of one task.
type RunState struct {
	ID         string          `json:"id"`
	Kind       config.TaskKind `json:"kind"`
	Schedule   string          `json:"schedule,omitempty"`
	After      string          `json:"after,omitempty"`
	NextRun    time.Time       `json:"next_run,omitempty"`
	LastRun    time.Time       `json:"last_run,omitempty"`
	LastResult string          `json:"last_result,omitempty"`
	Running    bool            `json:"running"`
}

// Options wires a Scheduler.
type Options struct {
	Tasks    map[string]config.TaskSpec
	Handlers map[config.TaskKind]TaskFunc

	// Budget is the shared admission budget task weights count against.
	Budget int

	Logger   *slog.Logger
	Recorder Recorder
}

// Scheduler owns task triggering and admission.
//
// # Thread Safety
//
// Safe for concurrent use; Tick, Trigger, and task completions all
// serialize on one mutex.
type Scheduler struct {
	handlers map[config.TaskKind]TaskFunc
	budget   int
	log      *slog.Logger
	rec      Recorder

	mu    sync.Mutex
	tasks map[string]*task
	used  int

	wg sync.WaitGroup
}

// NewScheduler parses every task trigger and builds the scheduler.
// Invalid cron expressions and intervals are reported up front.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Budget <= 0 {
		opts.Budget = 2
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Scheduler{
		handlers: opts.Handlers,
		budget:   opts.Budget,
		log:      opts.Logger,
		rec:      opts.Recorder,
		tasks:    make(map[string]*task, len(opts.Tasks)),
	}

	now := time.Now()
	for id, spec := range opts.Tasks {
		spec.ID = id
		t := &task{spec: spec, afterSince: now}

		if spec.Schedule != "" {
			if strings.ContainsAny(spec.Schedule, " \t") {
				sched, err := cron.ParseStandard(spec.Schedule)
				if err != nil {
					return nil, fmt.Errorf("task %q: invalid cron %q: %w", id, spec.Schedule, err)
				}
				t.sched = sched
				t.nextRun = sched.Next(now)
			} else {
				interval, err := config.ParseDuration(spec.Schedule)
				if err != nil {
					return nil, fmt.Errorf("task %q: invalid interval %q: %w", id, spec.Schedule, err)
				}
				t.interval = interval
				t.nextRun = now.Add(interval)
			}
		}

		if _, ok := s.handlers[spec.Kind]; !ok {
			return nil, fmt.Errorf("%w: task %q kind %q", ErrNoHandler, id, spec.Kind)
		}
		s.tasks[id] = t
	}
	return s, nil
}

// Run ticks the scheduler until the context dies.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Trigger marks a task for user-triggered execution at the next tick.
func (s *Scheduler) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.userPending = true
	return nil
}

// Tick admits every eligible task the budget allows, in priority
// order, and returns the admitted ids. Admitted tasks run
// asynchronously; Tick itself never blocks on them.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		t    *task
		prio int
	}
	var eligible []candidate

	for _, t := range s.tasks {
		if !t.spec.IsEnabled() || t.running {
			continue
		}

		// A dependency-triggered task whose prerequisite never fires is
		// marked stalled rather than waited on forever.
		if t.spec.After != "" && !t.afterPending && !t.userPending {
			if stall := t.spec.StallTimeout.Std(); stall > 0 && now.Sub(t.afterSince) > stall {
				t.lastResult = "stalled: waiting on " + t.spec.After
				t.afterSince = now
				s.log.Warn("task stalled waiting on prerequisite",
					"task", t.spec.ID, "after", t.spec.After)
			}
			continue
		}

		due := t.userPending || t.afterPending ||
			(!t.nextRun.IsZero() && !now.Before(t.nextRun))
		if !due {
			continue
		}

		prio := prioRoutine
		switch {
		case t.spec.Kind == config.TaskHealthSweep:
			prio = prioHealthSweep
		case t.userPending:
			prio = prioUser
		}
		eligible = append(eligible, candidate{t: t, prio: prio})
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].prio != eligible[j].prio {
			return eligible[i].prio < eligible[j].prio
		}
		return eligible[i].t.spec.ID < eligible[j].t.spec.ID
	})

	var admitted []string
	for _, c := range eligible {
		weight := c.t.spec.Weight
		if weight <= 0 {
			weight = 1
		}
		if s.used+weight > s.budget {
			// Budget exhausted; pending flags survive to the next tick.
			s.rec.ObserveDeferred(c.t.spec.ID)
			continue
		}

		s.used += weight
		c.t.running = true
		c.t.userPending = false
		c.t.afterPending = false
		c.t.afterSince = now
		s.advance(c.t, now)

		admitted = append(admitted, c.t.spec.ID)
		s.wg.Add(1)
		go s.run(ctx, c.t, weight)
	}
	return admitted
}

// advance computes the next scheduled trigger.
func (s *Scheduler) advance(t *task, now time.Time) {
	switch {
	case t.sched != nil:
		t.nextRun = t.sched.Next(now)
	case t.interval > 0:
		t.nextRun = now.Add(t.interval)
	default:
		t.nextRun = time.Time{}
	}
}

// run executes one admitted task with its timeout and records the
// outcome. Successful completion fires dependent tasks.
func (s *Scheduler) run(ctx context.Context, t *task, weight int) {
	defer s.wg.Done()

	timeout := t.spec.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.log.Info("task started", "task", t.spec.ID, "kind", t.spec.Kind)
	start := time.Now()
	err := s.handlers[t.spec.Kind](runCtx, t.spec)
	duration := time.Since(start)
	s.rec.ObserveTaskRun(t.spec.ID, t.spec.Kind, duration, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.used -= weight
	t.running = false
	t.lastRun = start
	if err != nil {
		t.lastResult = "failed: " + err.Error()
		s.log.Error("task failed", "task", t.spec.ID, "duration", duration, "error", err)
		return
	}
	t.lastResult = "ok"
	s.log.Info("task completed", "task", t.spec.ID, "duration", duration)

	for _, dep := range s.tasks {
		if dep.spec.After == t.spec.ID && dep.spec.IsEnabled() {
			dep.afterPending = true
		}
	}
}

// Wait blocks until every in-flight task run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// States returns the current run-state of every task, sorted by id.
func (s *Scheduler) States() []RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunState, 0, len(s.tasks))
	for id, t := range s.tasks {
		out = append(out, RunState{
			ID:         id,
			Kind:       t.spec.Kind,
			Schedule:   t.spec.Schedule,
			After:      t.spec.After,
			NextRun:    t.nextRun,
			LastRun:    t.lastRun,
			LastResult: t.lastResult,
			Running:    t.running,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
