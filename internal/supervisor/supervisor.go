// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package supervisor is the container manager: the reconciliation loop
that turns the declared catalog into running containers and applies
bounded self-healing when they fail.

All ServiceState mutation funnels through this package. The health
monitor, the scheduler, and the API submit requests; the run loop
applies them under the registry's per-service locks, which keeps a
restart request and a reconciliation pass on the same service strictly
serialized.
*/
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/engine"
	"github.com/homie-os/orchestrator/internal/registry"
	"github.com/homie-os/orchestrator/internal/resilience"
)

// =============================================================================
// Outcomes
// =============================================================================

// Outcome is the per-service result of one reconciliation pass.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeCreated   Outcome = "created"
	OutcomeRecreated Outcome = "recreated"
	OutcomeRemoved   Outcome = "removed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
)

// Result is one service's outcome with its reason.
type Result struct {
	Service string  `json:"service"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// PassReport summarizes one reconciliation pass. A degraded pass means
// the engine was unreachable; no service state was advanced.
type PassReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Degraded  bool          `json:"degraded"`
	Reason    string        `json:"reason,omitempty"`
	Results   []Result      `json:"results"`
}

// Recorder receives reconciliation measurements. Implemented by the
// observability package; NopRecorder for tests.
type Recorder interface {
	ObservePass(degraded bool, duration time.Duration)
	ObserveOutcome(outcome Outcome)
	ObserveRestart(service string)
	ObservePhase(service string, phase registry.Phase)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) ObservePass(bool, time.Duration)           {}
func (NopRecorder) ObserveOutcome(Outcome)                    {}
func (NopRecorder) ObserveRestart(string)                     {}
func (NopRecorder) ObservePhase(string, registry.Phase)       {}

var _ Recorder = NopRecorder{}

// =============================================================================
// Manager
// =============================================================================

// Options wires a Manager.
type Options struct {
	Registry *registry.Registry
	Engine   engine.Engine
	Events   EventSink
	Recorder Recorder
	Logger   *slog.Logger

	Reconcile config.ReconcileConfig
	Runtime   config.RuntimeConfig
}

// Manager owns reconciliation and every ServiceState transition.
type Manager struct {
	registry *registry.Registry
	engine   engine.Engine
	events   EventSink
	rec      Recorder
	log      *slog.Logger

	network          string
	stopTimeout      time.Duration
	interval         time.Duration
	healthyReset     time.Duration
	maxFailedRetries int

	backoff resilience.Backoff
	limiter *rate.Limiter

	requests chan request
	kick     chan struct{}

	reconcileMu sync.Mutex
	discovered  bool
}

// NewManager builds the supervisor. Zero config fields get defaults.
func NewManager(opts Options) *Manager {
	if opts.Events == nil {
		opts.Events = NopSink{}
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	rc := opts.Reconcile
	if rc.Interval <= 0 {
		rc.Interval = config.Duration(30 * time.Second)
	}
	if rc.BackoffBase <= 0 {
		rc.BackoffBase = config.Duration(2 * time.Second)
	}
	if rc.BackoffCap <= 0 {
		rc.BackoffCap = config.Duration(5 * time.Minute)
	}
	if rc.HealthyReset <= 0 {
		rc.HealthyReset = config.Duration(5 * time.Minute)
	}
	if rc.MaxFailedRetries <= 0 {
		rc.MaxFailedRetries = 3
	}
	if rc.RestartsPerMinute <= 0 {
		rc.RestartsPerMinute = 10
	}
	ru := opts.Runtime
	if ru.Network == "" {
		ru.Network = config.DefaultNetwork
	}
	if ru.StopTimeout <= 0 {
		ru.StopTimeout = config.Duration(10 * time.Second)
	}

	return &Manager{
		registry:         opts.Registry,
		engine:           opts.Engine,
		events:           opts.Events,
		rec:              opts.Recorder,
		log:              opts.Logger,
		network:          ru.Network,
		stopTimeout:      time.Duration(ru.StopTimeout),
		interval:         time.Duration(rc.Interval),
		healthyReset:     time.Duration(rc.HealthyReset),
		maxFailedRetries: rc.MaxFailedRetries,
		backoff: resilience.Backoff{
			Base:       time.Duration(rc.BackoffBase),
			Cap:        time.Duration(rc.BackoffCap),
			Multiplier: 2,
			Jitter:     0.25,
		},
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(rc.RestartsPerMinute)),
			rc.RestartsPerMinute),
		requests: make(chan request, 64),
		kick:     make(chan struct{}, 1),
	}
}

// Kick schedules an immediate reconciliation pass. Non-blocking; a
// pending kick absorbs further ones.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run drives the supervisor until the context dies: periodic
// reconciliation plus request processing in between.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if _, err := m.Reconcile(ctx); err != nil {
		m.log.Error("initial reconciliation failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil {
				m.log.Error("reconciliation failed", "error", err)
			}
		case <-m.kick:
			if _, err := m.Reconcile(ctx); err != nil {
				m.log.Error("reconciliation failed", "error", err)
			}
		case req := <-m.requests:
			m.handleRequest(ctx, req)
		}
	}
}

// =============================================================================
// Reconciliation
// =============================================================================

// Reconcile runs one full pass over every known service in dependency
// order.
//
// # Description
//
// Idempotent: with no external changes a second pass reports unchanged
// for every service. An unreachable engine degrades the whole pass
// without advancing any state. A dependency cycle fails the whole
// batch, naming the cycle, and starts nothing.
func (m *Manager) Reconcile(ctx context.Context) (*PassReport, error) {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	report := &PassReport{StartedAt: time.Now()}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		m.rec.ObservePass(report.Degraded, report.Duration)
	}()

	if err := m.engine.Ping(ctx); err != nil {
		return m.degrade(report, err), nil
	}

	if !m.discovered {
		if err := m.discover(ctx); err != nil {
			if errors.Is(err, engine.ErrUnavailable) {
				return m.degrade(report, err), nil
			}
			m.log.Warn("container discovery failed", "error", err)
		}
		m.discovered = true
	}

	specs := m.registry.Specs()
	order, err := config.TopologicalOrder(specs)
	if err != nil {
		// Configuration fault for the whole batch; nothing starts.
		return report, err
	}

	// Tear down services whose spec is gone before starting anything.
	for _, name := range m.registry.Names() {
		if _, declared := specs[name]; declared {
			continue
		}
		res, err := m.teardownOrphan(ctx, name)
		report.Results = append(report.Results, res)
		m.rec.ObserveOutcome(res.Outcome)
		if errors.Is(err, engine.ErrUnavailable) {
			return m.degrade(report, err), nil
		}
	}

	for _, name := range order {
		res, err := m.reconcileService(ctx, name, specs[name])
		report.Results = append(report.Results, res)
		m.rec.ObserveOutcome(res.Outcome)
		if errors.Is(err, engine.ErrUnavailable) {
			return m.degrade(report, err), nil
		}
	}
	return report, nil
}

func (m *Manager) degrade(report *PassReport, err error) *PassReport {
	report.Degraded = true
	report.Reason = err.Error()
	m.log.Error("reconciliation pass degraded", "error", err)
	m.events.Publish(Event{Type: EventDegraded, Reason: err.Error(), Time: time.Now()})
	return report
}

// discover adopts managed containers left over from a previous process
// so a supervisor restart does not recreate the world.
func (m *Manager) discover(ctx context.Context) error {
	if err := m.engine.EnsureNetwork(ctx, m.network); err != nil {
		return err
	}

	containers, err := m.engine.ListManaged(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Service == "" {
			continue
		}
		st, ok := m.registry.Get(c.Service)
		if !ok || st.ContainerID != "" {
			continue
		}
		insp, err := m.engine.Inspect(ctx, c.ID)
		if err != nil {
			if errors.Is(err, engine.ErrUnavailable) {
				return err
			}
			continue
		}
		adopted := *insp
		uerr := m.registry.Update(c.Service, func(st *registry.ServiceState) error {
			st.ContainerID = adopted.ID
			st.SpecHash = adopted.Labels[engine.LabelSpecHash]
			if adopted.Running() {
				st.SetPhase(registry.PhaseRunning)
			}
			return nil
		})
		if uerr != nil {
			return uerr
		}
		m.log.Info("adopted existing container",
			"service", c.Service, "container", c.ID, "status", adopted.Status)
	}
	return nil
}

// teardownOrphan removes the container of a service whose spec no
// longer exists, then forgets its state.
func (m *Manager) teardownOrphan(ctx context.Context, name string) (Result, error) {
	var unavailable error
	err := m.registry.Update(name, func(st *registry.ServiceState) error {
		if st.ContainerID != "" {
			if err := m.removeContainer(ctx, st.ContainerID); err != nil {
				if errors.Is(err, engine.ErrUnavailable) {
					unavailable = err
					return err
				}
				if !errors.Is(err, engine.ErrContainerNotFound) {
					return err
				}
			}
			st.ContainerID = ""
		}
		st.SetPhase(registry.PhaseRemoved)
		return nil
	})
	if unavailable != nil {
		return Result{Service: name, Outcome: OutcomeFailed, Reason: unavailable.Error()}, unavailable
	}
	if err != nil {
		return Result{Service: name, Outcome: OutcomeFailed, Reason: "transient: " + err.Error()}, nil
	}
	if err := m.registry.Forget(name); err != nil {
		m.log.Warn("failed to forget removed service", "service", name, "error", err)
	}
	m.log.Info("removed orphaned service", "service", name)
	return Result{Service: name, Outcome: OutcomeRemoved, Reason: "spec removed"}, nil
}

// reconcileService brings one service in line with its spec. Returns a
// non-nil error only for engine unavailability, which aborts the pass.
func (m *Manager) reconcileService(ctx context.Context, name string, spec config.ServiceSpec) (Result, error) {
	res := Result{Service: name, Outcome: OutcomeUnchanged}
	var unavailable error

	prev, _ := m.registry.Get(name)
	err := m.registry.Update(name, func(st *registry.ServiceState) error {
		outcome, reason, err := m.reconcileLocked(ctx, st, spec)
		if err != nil {
			unavailable = err
			return err
		}
		res.Outcome, res.Reason = outcome, reason
		return nil
	})
	if unavailable != nil {
		return Result{Service: name, Outcome: OutcomeDeferred, Reason: unavailable.Error()}, unavailable
	}
	if err != nil {
		return Result{Service: name, Outcome: OutcomeFailed, Reason: err.Error()}, nil
	}

	if cur, ok := m.registry.Get(name); ok && cur.Phase != prev.Phase {
		m.publishPhase(name, cur.Phase, res.Reason)
	}
	return res, nil
}

// reconcileLocked holds the service lock. It must not mutate state
// before returning an engine-unavailable error; that is what keeps a
// degraded pass from advancing anything.
func (m *Manager) reconcileLocked(ctx context.Context, st *registry.ServiceState, spec config.ServiceSpec) (Outcome, string, error) {
	now := time.Now()

	if st.Quarantined || st.Phase == registry.PhaseQuarantined {
		return OutcomeUnchanged, "quarantined: " + st.QuarantineReason, nil
	}
	if st.Phase == registry.PhasePausedForBackup {
		return OutcomeUnchanged, "paused for backup", nil
	}

	// Sustained health resets the backoff ladder.
	if st.Phase == registry.PhaseHealthy && !st.HealthySince.IsZero() &&
		now.Sub(st.HealthySince) >= m.healthyReset {
		st.ConsecutiveFailures = 0
		st.NextRestartAt = time.Time{}
	}

	if !spec.IsEnabled() || st.Disabled {
		return m.ensureAbsent(ctx, st)
	}

	if st.Phase == registry.PhaseFailed && st.FailedAttempts >= m.maxFailedRetries {
		return OutcomeUnchanged, "structural: " + st.LastError, nil
	}

	if st.ContainerID == "" {
		return m.ensurePresent(ctx, st, spec, now)
	}
	return m.ensureRunning(ctx, st, spec, now)
}

// ensureAbsent removes the container of a disabled service.
func (m *Manager) ensureAbsent(ctx context.Context, st *registry.ServiceState) (Outcome, string, error) {
	if st.ContainerID == "" {
		if st.Phase != registry.PhaseStopped && st.Phase != registry.PhasePending {
			st.SetPhase(registry.PhaseStopped)
		}
		return OutcomeUnchanged, "disabled", nil
	}
	if err := m.removeContainer(ctx, st.ContainerID); err != nil {
		if errors.Is(err, engine.ErrUnavailable) {
			return OutcomeUnchanged, "", err
		}
		if !errors.Is(err, engine.ErrContainerNotFound) {
			st.LastError = "transient: " + err.Error()
			return OutcomeFailed, st.LastError, nil
		}
	}
	st.ContainerID = ""
	st.SetPhase(registry.PhaseStopped)
	return OutcomeRemoved, "disabled", nil
}

// ensurePresent creates and starts a container for a service that has
// none, once its dependencies and backoff allow.
func (m *Manager) ensurePresent(ctx context.Context, st *registry.ServiceState, spec config.ServiceSpec, now time.Time) (Outcome, string, error) {
	if unmet := m.unmetDependencies(spec); len(unmet) > 0 {
		return OutcomeDeferred, "waiting on " + strings.Join(unmet, ", "), nil
	}
	if !st.NextRestartAt.IsZero() && now.Before(st.NextRestartAt) {
		return OutcomeDeferred, fmt.Sprintf("backoff until %s", st.NextRestartAt.Format(time.RFC3339)), nil
	}

	restarting := st.Phase == registry.PhaseRestarting || st.Phase == registry.PhaseFailed
	if restarting && !m.limiter.Allow() {
		return OutcomeDeferred, "restart rate limit", nil
	}

	id, err := m.createAndStart(ctx, st.Name, spec)
	if err != nil {
		if errors.Is(err, engine.ErrUnavailable) {
			return OutcomeUnchanged, "", err
		}
		st.FailedAttempts++
		st.NextRestartAt = now.Add(m.backoff.Delay(st.FailedAttempts - 1))
		if errors.Is(err, engine.ErrImagePull) {
			st.LastError = "structural: " + err.Error()
		} else {
			st.LastError = "transient: " + err.Error()
		}
		st.SetPhase(registry.PhaseFailed)
		return OutcomeFailed, st.LastError, nil
	}

	st.ContainerID = id
	st.SpecHash = m.hashSpec(spec)
	st.NextRestartAt = time.Time{}
	st.FailedAttempts = 0
	st.LastError = ""
	st.SetPhase(registry.PhaseStarting)
	if restarting {
		m.rec.ObserveRestart(st.Name)
		return OutcomeRecreated, "restarted", nil
	}
	return OutcomeCreated, "", nil
}

// ensureRunning verifies an existing container still matches the spec
// and is running, and applies the restart policy when it is not.
func (m *Manager) ensureRunning(ctx context.Context, st *registry.ServiceState, spec config.ServiceSpec, now time.Time) (Outcome, string, error) {
	insp, err := m.engine.Inspect(ctx, st.ContainerID)
	if err != nil {
		if errors.Is(err, engine.ErrUnavailable) {
			return OutcomeUnchanged, "", err
		}
		if errors.Is(err, engine.ErrContainerNotFound) {
			// Container vanished outside our control; treat as a crash.
			st.ContainerID = ""
			return m.handleExit(st, spec, -1, now)
		}
		st.LastError = "transient: " + err.Error()
		return OutcomeFailed, st.LastError, nil
	}

	if st.SpecHash != m.hashSpec(spec) {
		return m.recreate(ctx, st, spec, insp.Running())
	}

	switch {
	case insp.Running():
		if !st.Phase.Active() || st.Phase == registry.PhaseStarting || st.Phase == registry.PhaseRestarting {
			st.SetPhase(registry.PhaseRunning)
		}
		return OutcomeUnchanged, "", nil

	case insp.Exited():
		return m.handleExitWithRemoval(ctx, st, spec, insp.ExitCode, now)

	case insp.Status == "created":
		if err := m.engine.Start(ctx, st.ContainerID); err != nil {
			if errors.Is(err, engine.ErrUnavailable) {
				return OutcomeUnchanged, "", err
			}
			st.LastError = "transient: " + err.Error()
			return OutcomeFailed, st.LastError, nil
		}
		st.SetPhase(registry.PhaseStarting)
		return OutcomeUnchanged, "started created container", nil

	default:
		// paused, restarting inside the engine: observe, do not fight.
		return OutcomeUnchanged, "engine status " + insp.Status, nil
	}
}

// recreate replaces a container whose spec drifted.
func (m *Manager) recreate(ctx context.Context, st *registry.ServiceState, spec config.ServiceSpec, running bool) (Outcome, string, error) {
	if running {
		if err := m.engine.Stop(ctx, st.ContainerID, m.stopTimeout); err != nil &&
			errors.Is(err, engine.ErrUnavailable) {
			return OutcomeUnchanged, "", err
		}
	}
	if err := m.engine.Remove(ctx, st.ContainerID, true); err != nil {
		if errors.Is(err, engine.ErrUnavailable) {
			return OutcomeUnchanged, "", err
		}
		if !errors.Is(err, engine.ErrContainerNotFound) {
			st.LastError = "transient: " + err.Error()
			return OutcomeFailed, st.LastError, nil
		}
	}
	st.ContainerID = ""

	id, err := m.createAndStart(ctx, st.Name, spec)
	if err != nil {
		if errors.Is(err, engine.ErrUnavailable) {
			return OutcomeUnchanged, "", err
		}
		st.FailedAttempts++
		st.LastError = "transient: " + err.Error()
		st.SetPhase(registry.PhaseFailed)
		return OutcomeFailed, st.LastError, nil
	}
	st.ContainerID = id
	st.SpecHash = m.hashSpec(spec)
	st.SetPhase(registry.PhaseStarting)
	return OutcomeRecreated, "spec changed", nil
}

// handleExitWithRemoval removes the exited container before applying
// the restart policy, so the next pass can recreate cleanly.
func (m *Manager) handleExitWithRemoval(ctx context.Context, st *registry.ServiceState, spec config.ServiceSpec, exitCode int, now time.Time) (Outcome, string, error) {
	policy := spec.RestartPolicy
	keepStopped := policy == config.RestartNever ||
		(policy == config.RestartOnFailure && exitCode == 0)
	if !keepStopped {
		if err := m.engine.Remove(ctx, st.ContainerID, true); err != nil {
			if errors.Is(err, engine.ErrUnavailable) {
				return OutcomeUnchanged, "", err
			}
			if !errors.Is(err, engine.ErrContainerNotFound) {
				st.LastError = "transient: " + err.Error()
				return OutcomeFailed, st.LastError, nil
			}
		}
		st.ContainerID = ""
	}
	return m.handleExit(st, spec, exitCode, now)
}

// handleExit applies the restart policy to an observed exit.
func (m *Manager) handleExit(st *registry.ServiceState, spec config.ServiceSpec, exitCode int, now time.Time) (Outcome, string, error) {
	st.LastExitCode = exitCode
	st.HealthySince = time.Time{}

	switch {
	case spec.RestartPolicy == config.RestartNever:
		st.SetPhase(registry.PhaseStopped)
		return OutcomeUnchanged, fmt.Sprintf("exited %d, policy never", exitCode), nil

	case spec.RestartPolicy == config.RestartOnFailure && exitCode == 0:
		st.SetPhase(registry.PhaseStopped)
		return OutcomeUnchanged, "exited cleanly", nil
	}

	st.ConsecutiveFailures++
	st.RestartCount++
	delay := m.backoff.Delay(st.ConsecutiveFailures - 1)
	st.NextRestartAt = now.Add(delay)
	st.SetPhase(registry.PhaseRestarting)
	m.log.Warn("service exited, restart scheduled",
		"service", st.Name, "exit_code", exitCode,
		"failures", st.ConsecutiveFailures, "delay", delay)
	return OutcomeDeferred, fmt.Sprintf("transient: exited %d, restart in %s", exitCode, delay.Round(time.Millisecond)), nil
}

// =============================================================================
// Engine Helpers
// =============================================================================

// createAndStart pulls, creates and starts one container.
func (m *Manager) createAndStart(ctx context.Context, name string, spec config.ServiceSpec) (string, error) {
	if err := m.engine.Pull(ctx, spec.Image); err != nil {
		return "", err
	}

	memBytes, err := spec.MemoryLimitBytes()
	if err != nil {
		return "", fmt.Errorf("invalid memory limit: %w", err)
	}

	labels := map[string]string{engine.LabelSpecHash: m.hashSpec(spec)}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	id, err := m.engine.Create(ctx, engine.CreateSpec{
		Service:     name,
		Image:       spec.Image,
		Network:     m.network,
		Environment: spec.Environment,
		Ports:       spec.Ports,
		Volumes:     spec.Volumes,
		Labels:      labels,
		Command:     spec.Command,
		Entrypoint:  spec.Entrypoint,
		WorkingDir:  spec.WorkingDir,
		User:        spec.User,
		Privileged:  spec.Privileged,
		MemoryBytes: memBytes,
		CPULimit:    spec.CPULimit,
	})
	if err != nil {
		return "", err
	}
	if err := m.engine.Start(ctx, id); err != nil {
		return "", err
	}
	m.log.Info("started container", "service", name, "container", id)
	return id, nil
}

// removeContainer stops then force-removes a container.
func (m *Manager) removeContainer(ctx context.Context, id string) error {
	if err := m.engine.Stop(ctx, id, m.stopTimeout); err != nil &&
		!errors.Is(err, engine.ErrContainerNotFound) {
		if errors.Is(err, engine.ErrUnavailable) {
			return err
		}
		// Fall through to force removal.
	}
	return m.engine.Remove(ctx, id, true)
}

// unmetDependencies lists dependencies not yet ready to carry
// dependents.
func (m *Manager) unmetDependencies(spec config.ServiceSpec) []string {
	var unmet []string
	for _, dep := range spec.DependsOn {
		depSpec, ok := m.registry.Spec(dep)
		if !ok {
			unmet = append(unmet, dep)
			continue
		}
		depState, ok := m.registry.Get(dep)
		if !ok || !depState.Phase.SatisfiesDependents(depSpec.Health != nil) {
			unmet = append(unmet, dep)
		}
	}
	sort.Strings(unmet)
	return unmet
}

// hashSpec fingerprints the parts of a spec that require a container
// rebuild when they change.
func (m *Manager) hashSpec(spec config.ServiceSpec) string {
	fingerprint := struct {
		Image       string            `json:"image"`
		Environment map[string]string `json:"environment,omitempty"`
		Ports       []string          `json:"ports,omitempty"`
		Volumes     []string          `json:"volumes,omitempty"`
		Command     []string          `json:"command,omitempty"`
		Entrypoint  []string          `json:"entrypoint,omitempty"`
		WorkingDir  string            `json:"working_dir,omitempty"`
		User        string            `json:"user,omitempty"`
		Privileged  bool              `json:"privileged,omitempty"`
		MemoryLimit string            `json:"memory_limit,omitempty"`
		CPULimit    float64           `json:"cpu_limit,omitempty"`
	}{
		Image:       spec.Image,
		Environment: spec.Environment,
		Ports:       spec.Ports,
		Volumes:     spec.Volumes,
		Command:     spec.Command,
		Entrypoint:  spec.Entrypoint,
		WorkingDir:  spec.WorkingDir,
		User:        spec.User,
		Privileged:  spec.Privileged,
		MemoryLimit: spec.MemoryLimit,
		CPULimit:    spec.CPULimit,
	}
	data, _ := json.Marshal(fingerprint)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

func (m *Manager) publishPhase(service string, phase registry.Phase, reason string) {
	m.rec.ObservePhase(service, phase)
	m.events.Publish(Event{
		Type:    EventPhaseChange,
		Service: service,
		Phase:   phase,
		Reason:  reason,
		Time:    time.Now(),
	})
}

// =============================================================================
// Request Handling
// =============================================================================

// handleRequest applies one queued request under the service lock.
func (m *Manager) handleRequest(ctx context.Context, req request) {
	if _, ok := m.registry.Get(req.service); !ok {
		m.log.Warn("request for unknown service", "kind", req.kind, "service", req.service)
		return
	}

	var err error
	switch req.kind {
	case reqMarkHealthy:
		err = m.applyHealthy(req.service)
	case reqMarkUnhealthy:
		err = m.applyUnhealthy(req.service, req.reason)
	case reqRestart:
		err = m.applyRestart(ctx, req.service, req.reason)
	case reqQuarantine:
		err = m.applyQuarantine(req.service, req.reason)
	}
	if err != nil {
		m.log.Error("request failed",
			"kind", req.kind, "service", req.service, "error", err)
	}
}

func (m *Manager) applyHealthy(service string) error {
	var changed registry.Phase
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		switch st.Phase {
		case registry.PhaseRunning, registry.PhaseStarting, registry.PhaseUnhealthy:
			st.SetPhase(registry.PhaseHealthy)
			changed = st.Phase
		}
		if st.HealthySince.IsZero() {
			st.HealthySince = time.Now()
		}
		return nil
	})
	if err == nil && changed != "" {
		m.publishPhase(service, changed, "probe healthy")
	}
	return err
}

func (m *Manager) applyUnhealthy(service, reason string) error {
	var changed registry.Phase
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		st.HealthySince = time.Time{}
		switch st.Phase {
		case registry.PhaseRunning, registry.PhaseHealthy:
			st.SetPhase(registry.PhaseUnhealthy)
			changed = st.Phase
		}
		return nil
	})
	if err == nil && changed != "" {
		m.publishPhase(service, changed, reason)
	}
	return err
}

// applyRestart tears the container down and schedules an immediate
// recreate. Quarantined and paused services are left alone.
func (m *Manager) applyRestart(ctx context.Context, service, reason string) error {
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		if st.Quarantined || st.Phase.Terminal() {
			return nil
		}
		if st.ContainerID != "" {
			if err := m.removeContainer(ctx, st.ContainerID); err != nil &&
				!errors.Is(err, engine.ErrContainerNotFound) {
				return err
			}
			st.ContainerID = ""
		}
		st.RestartCount++
		st.HealthySince = time.Time{}
		st.NextRestartAt = time.Time{}
		st.SetPhase(registry.PhaseRestarting)
		return nil
	})
	if err != nil {
		return err
	}
	m.rec.ObserveRestart(service)
	m.log.Info("restart requested", "service", service, "reason", reason)
	m.Kick()
	return nil
}

func (m *Manager) applyQuarantine(service, reason string) error {
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		st.Quarantined = true
		st.QuarantineReason = reason
		st.SetPhase(registry.PhaseQuarantined)
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Warn("service quarantined", "service", service, "reason", reason)
	m.rec.ObservePhase(service, registry.PhaseQuarantined)
	m.events.Publish(Event{
		Type:    EventQuarantine,
		Service: service,
		Phase:   registry.PhaseQuarantined,
		Reason:  reason,
		Time:    time.Now(),
	})
	return nil
}

// =============================================================================
// Backup Coordination
// =============================================================================

// PauseForBackup stops a service's container and parks its state so
// reconciliation does not "fix" it while the backup runs.
func (m *Manager) PauseForBackup(ctx context.Context, service string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	return m.registry.Update(service, func(st *registry.ServiceState) error {
		if st.Phase == registry.PhasePausedForBackup {
			return nil
		}
		if st.ContainerID != "" {
			if err := m.engine.Stop(ctx, st.ContainerID, m.stopTimeout); err != nil &&
				!errors.Is(err, engine.ErrContainerNotFound) {
				return fmt.Errorf("pause %s: %w", service, err)
			}
		}
		st.SetPhase(registry.PhasePausedForBackup)
		return nil
	})
}

// ResumeFromBackup restarts a paused service. Mandatory counterpart of
// PauseForBackup; the backup manager calls it on success, failure and
// cancellation alike.
func (m *Manager) ResumeFromBackup(ctx context.Context, service string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		if st.Phase != registry.PhasePausedForBackup {
			return nil
		}
		if st.ContainerID == "" {
			st.SetPhase(registry.PhasePending)
			return nil
		}
		if err := m.engine.Start(ctx, st.ContainerID); err != nil {
			if errors.Is(err, engine.ErrContainerNotFound) {
				st.ContainerID = ""
				st.SetPhase(registry.PhasePending)
				return nil
			}
			return fmt.Errorf("resume %s: %w", service, err)
		}
		st.SetPhase(registry.PhaseStarting)
		return nil
	})
	if err != nil {
		return err
	}
	m.Kick()
	return nil
}

// ForceReconcile is the post-restore hook: schedules an immediate pass.
func (m *Manager) ForceReconcile() { m.Kick() }

// ServiceLogs returns the tail of a service's container logs.
func (m *Manager) ServiceLogs(ctx context.Context, service string, tail int) (string, error) {
	if err := m.requireKnown(service); err != nil {
		return "", err
	}
	st, ok := m.registry.Get(service)
	if !ok || st.ContainerID == "" {
		return "", fmt.Errorf("logs %s: %w", service, engine.ErrContainerNotFound)
	}
	return m.engine.Logs(ctx, st.ContainerID, tail)
}
