// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homie-os/orchestrator/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures deferred tasks and completed runs.
type recorder struct {
	mu       sync.Mutex
	deferred []string
	runs     []string
}

func (r *recorder) ObserveTaskRun(id string, _ config.TaskKind, _ time.Duration, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, id)
}

func (r *recorder) ObserveDeferred(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, id)
}

func (r *recorder) deferredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deferred...)
}

func noopHandlers() map[config.TaskKind]TaskFunc {
	noop := func(context.Context, config.TaskSpec) error { return nil }
	return map[config.TaskKind]TaskFunc{
		config.TaskHealthSweep:   noop,
		config.TaskBackup:        noop,
		config.TaskBackupCleanup: noop,
		config.TaskImagePull:     noop,
	}
}

func newTestScheduler(t *testing.T, opts Options) *Scheduler {
	t.Helper()
	if opts.Handlers == nil {
		opts.Handlers = noopHandlers()
	}
	if opts.Logger == nil {
		opts.Logger = discard()
	}
	s, err := NewScheduler(opts)
	require.NoError(t, err)
	return s
}

func resultFor(t *testing.T, s *Scheduler, id string) string {
	t.Helper()
	for _, st := range s.States() {
		if st.ID == id {
			return st.LastResult
		}
	}
	t.Fatalf("task %s not found", id)
	return ""
}

func TestIntervalTaskFiresAfterInterval(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(t, Options{
		Tasks: map[string]config.TaskSpec{
			"sweep": {Kind: config.TaskHealthSweep, Schedule: "5m"},
		},
	})

	assert.Empty(t, s.Tick(context.Background(), now.Add(time.Minute)))

	admitted := s.Tick(context.Background(), now.Add(6*time.Minute))
	assert.Equal(t, []string{"sweep"}, admitted)
	s.Wait()
	assert.Equal(t, "ok", resultFor(t, s, "sweep"))
}

func TestCronTaskComputesNextRun(t *testing.T) {
	s := newTestScheduler(t, Options{
		Tasks: map[string]config.TaskSpec{
			"backup": {Kind: config.TaskBackup, Schedule: "0 2 * * *"},
		},
	})

	states := s.States()
	require.Len(t, states, 1)
	assert.Equal(t, 2, states[0].NextRun.Hour())
	assert.Equal(t, 0, states[0].NextRun.Minute())
}

func TestInvalidTriggersRejected(t *testing.T) {
	_, err := NewScheduler(Options{
		Logger:   discard(),
		Handlers: noopHandlers(),
		Tasks: map[string]config.TaskSpec{
			"bad": {Kind: config.TaskBackup, Schedule: "99 99 * * *"},
		},
	})
	require.Error(t, err)

	_, err = NewScheduler(Options{
		Logger:   discard(),
		Handlers: noopHandlers(),
		Tasks: map[string]config.TaskSpec{
			"bad": {Kind: config.TaskBackup, Schedule: "soonish"},
		},
	})
	require.Error(t, err)

	_, err = NewScheduler(Options{
		Logger: discard(),
		Handlers: map[config.TaskKind]TaskFunc{
			config.TaskBackup: func(context.Context, config.TaskSpec) error { return nil },
		},
		Tasks: map[string]config.TaskSpec{
			"sweep": {Kind: config.TaskHealthSweep, Schedule: "5m"},
		},
	})
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestHealthSweepOutranksRoutineWork(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	handlers := noopHandlers()
	handlers[config.TaskHealthSweep] = func(context.Context, config.TaskSpec) error {
		<-release
		return nil
	}

	now := time.Now()
	s := newTestScheduler(t, Options{
		Budget:   1,
		Recorder: rec,
		Handlers: handlers,
		Tasks: map[string]config.TaskSpec{
			"sweep":  {Kind: config.TaskHealthSweep, Schedule: "1m", Weight: 1},
			"backup": {Kind: config.TaskBackup, Schedule: "1m", Weight: 1},
		},
	})

	due := now.Add(2 * time.Minute)
	admitted := s.Tick(context.Background(), due)
	assert.Equal(t, []string{"sweep"}, admitted)
	assert.Equal(t, []string{"backup"}, rec.deferredIDs())

	close(release)
	s.Wait()

	// The deferred task is still due and wins the freed budget.
	admitted = s.Tick(context.Background(), due)
	assert.Equal(t, []string{"backup"}, admitted)
	s.Wait()
}

func TestSameTaskNeverRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	handlers := noopHandlers()
	handlers[config.TaskBackup] = func(context.Context, config.TaskSpec) error {
		started <- struct{}{}
		<-release
		return nil
	}

	now := time.Now()
	s := newTestScheduler(t, Options{
		Budget:   4,
		Handlers: handlers,
		Tasks: map[string]config.TaskSpec{
			"backup": {Kind: config.TaskBackup, Schedule: "1m"},
		},
	})

	require.Len(t, s.Tick(context.Background(), now.Add(2*time.Minute)), 1)
	<-started

	// Still running; later ticks must not start a second instance.
	assert.Empty(t, s.Tick(context.Background(), now.Add(10*time.Minute)))

	close(release)
	s.Wait()
	assert.Len(t, started, 0)
}

func TestUserTriggerFiresOffSchedule(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(t, Options{
		Tasks: map[string]config.TaskSpec{
			"backup": {Kind: config.TaskBackup, Schedule: "0 2 * * *"},
		},
	})

	require.ErrorIs(t, s.Trigger("nope"), ErrUnknownTask)
	require.NoError(t, s.Trigger("backup"))

	admitted := s.Tick(context.Background(), now)
	assert.Equal(t, []string{"backup"}, admitted)
	s.Wait()
	assert.Equal(t, "ok", resultFor(t, s, "backup"))
}

func TestDependentFiresOnParentSuccessOnly(t *testing.T) {
	var fail bool
	handlers := noopHandlers()
	handlers[config.TaskBackup] = func(context.Context, config.TaskSpec) error {
		if fail {
			return errors.New("archive write failed")
		}
		return nil
	}

	now := time.Now()
	s := newTestScheduler(t, Options{
		Handlers: handlers,
		Tasks: map[string]config.TaskSpec{
			"backup":  {Kind: config.TaskBackup, Schedule: "1m"},
			"cleanup": {Kind: config.TaskBackupCleanup, After: "backup"},
		},
	})

	// Failed parent run fires nothing.
	fail = true
	require.Equal(t, []string{"backup"}, s.Tick(context.Background(), now.Add(2*time.Minute)))
	s.Wait()
	assert.Contains(t, resultFor(t, s, "backup"), "archive write failed")
	assert.Empty(t, s.Tick(context.Background(), now.Add(2*time.Minute)))

	fail = false
	require.Equal(t, []string{"backup"}, s.Tick(context.Background(), now.Add(4*time.Minute)))
	s.Wait()

	admitted := s.Tick(context.Background(), now.Add(4*time.Minute))
	assert.Equal(t, []string{"cleanup"}, admitted)
	s.Wait()
	assert.Equal(t, "ok", resultFor(t, s, "cleanup"))
}

func TestStalledDependentIsReported(t *testing.T) {
	now := time.Now()
	s := newTestScheduler(t, Options{
		Tasks: map[string]config.TaskSpec{
			"backup": {Kind: config.TaskBackup, Schedule: "0 2 * * *"},
			"cleanup": {
				Kind:         config.TaskBackupCleanup,
				After:        "backup",
				StallTimeout: config.Duration(time.Hour),
			},
		},
	})

	assert.Empty(t, s.Tick(context.Background(), now.Add(30*time.Minute)))
	assert.Empty(t, resultFor(t, s, "cleanup"))

	assert.Empty(t, s.Tick(context.Background(), now.Add(2*time.Hour)))
	assert.Equal(t, "stalled: waiting on backup", resultFor(t, s, "cleanup"))
}

func TestRunTimeoutBoundsHandler(t *testing.T) {
	handlers := noopHandlers()
	handlers[config.TaskBackup] = func(ctx context.Context, _ config.TaskSpec) error {
		<-ctx.Done()
		return ctx.Err()
	}

	now := time.Now()
	s := newTestScheduler(t, Options{
		Handlers: handlers,
		Tasks: map[string]config.TaskSpec{
			"backup": {
				Kind:     config.TaskBackup,
				Schedule: "1m",
				Timeout:  config.Duration(20 * time.Millisecond),
			},
		},
	})

	require.Len(t, s.Tick(context.Background(), now.Add(2*time.Minute)), 1)
	s.Wait()
	assert.Contains(t, resultFor(t, s, "backup"), "context deadline exceeded")
}

func TestDisabledTaskNeverAdmitted(t *testing.T) {
	disabled := false
	now := time.Now()
	s := newTestScheduler(t, Options{
		Tasks: map[string]config.TaskSpec{
			"backup": {Kind: config.TaskBackup, Schedule: "1m", Enabled: &disabled},
		},
	})

	require.NoError(t, s.Trigger("backup"))
	assert.Empty(t, s.Tick(context.Background(), now.Add(5*time.Minute)))
}
