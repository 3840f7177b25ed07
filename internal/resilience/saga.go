// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package resilience holds the failure-handling primitives shared by the
supervisor and the backup manager: a saga executor with compensating
rollback, and capped exponential backoff with jitter.
*/
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// =============================================================================
// Saga
// =============================================================================

// SagaStep is one forward action with its undo.
//
// # Assumptions
//
//   - Execute respects context cancellation.
//   - Compensate is idempotent and tolerates "already undone".
type SagaStep struct {
	// Name identifies the step in logs and error messages.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes the action. Nil when nothing needs cleanup.
	Compensate func(ctx context.Context) error

	// Timeout overrides the saga default for this step. Zero uses the
	// default.
	Timeout time.Duration
}

// SagaConfig configures the executor.
type SagaConfig struct {
	// StepTimeout bounds each forward step. Default 60s.
	StepTimeout time.Duration

	// CompensationTimeout bounds each undo. Default 30s.
	CompensationTimeout time.Duration

	Logger *slog.Logger
}

// Saga runs a sequence of steps and, on failure or cancellation, undoes
// the completed ones in reverse order.
//
// # Description
//
// Compensation runs on a fresh background context so cleanup still
// happens when the caller's context is already dead. That property is
// what lets the backup manager promise resume-on-cancel: once a pause
// step has completed, its resume compensation WILL run, whatever
// happens to the rest of the saga.
//
// # Thread Safety
//
// Not safe for concurrent use. One saga, one goroutine.
type Saga struct {
	cfg       SagaConfig
	steps     []SagaStep
	completed []SagaStep
	compErrs  []error
}

// NewSaga builds an executor with defaults filled in.
func NewSaga(cfg SagaConfig) *Saga {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 60 * time.Second
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Saga{cfg: cfg}
}

// AddStep appends a step. Steps run in insertion order.
func (s *Saga) AddStep(step SagaStep) {
	s.steps = append(s.steps, step)
}

// Execute runs the steps. The first failure (or a dead context between
// steps) triggers compensation of everything completed so far, in
// reverse order, and is returned wrapped with the failing step's name.
func (s *Saga) Execute(ctx context.Context) error {
	s.completed = s.completed[:0]
	s.compErrs = nil

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			s.compensate()
			return fmt.Errorf("saga cancelled before step %q: %w", step.Name, err)
		}

		if err := s.executeStep(ctx, step); err != nil {
			s.compensate()
			return fmt.Errorf("saga failed at step %q: %w", step.Name, err)
		}
		s.completed = append(s.completed, step)
	}
	return nil
}

func (s *Saga) executeStep(ctx context.Context, step SagaStep) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StepTimeout
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.cfg.Logger.Debug("executing saga step", "step", step.Name)
	start := time.Now()
	err := step.Execute(stepCtx)
	if err != nil {
		s.cfg.Logger.Error("saga step failed", "step", step.Name,
			"duration", time.Since(start), "error", err)
		return err
	}
	s.cfg.Logger.Debug("saga step completed", "step", step.Name,
		"duration", time.Since(start))
	return nil
}

// compensate undoes completed steps in reverse order. Runs on a
// background context; the original context may already be cancelled and
// cleanup must complete anyway. A compensation failure is recorded and
// the remaining compensations still run.
func (s *Saga) compensate() {
	if len(s.completed) == 0 {
		return
	}
	s.cfg.Logger.Info("compensating saga steps", "count", len(s.completed))

	budget := s.cfg.CompensationTimeout * time.Duration(len(s.completed))
	compCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}
		stepCtx, stepCancel := context.WithTimeout(compCtx, s.cfg.CompensationTimeout)
		err := step.Compensate(stepCtx)
		stepCancel()
		if err != nil {
			s.cfg.Logger.Warn("saga compensation failed", "step", step.Name, "error", err)
			s.compErrs = append(s.compErrs, fmt.Errorf("compensate %q: %w", step.Name, err))
		}
	}
}

// CompensationErrors returns failures recorded during the last
// rollback. Empty after a successful Execute.
func (s *Saga) CompensationErrors() []error {
	return s.compErrs
}

// Reset clears steps and state so the instance can be reused.
func (s *Saga) Reset() {
	s.steps = nil
	s.completed = nil
	s.compErrs = nil
}
