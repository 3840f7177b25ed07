// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package health is the health monitor: per-service probe dispatch, the
bounded sample history, and the evaluation that turns probe evidence
into corrective requests.

The monitor never mutates ServiceState. It reads registry snapshots and
submits requests (healthy/unhealthy verdicts, restart, quarantine) to
the supervisor through the Actions boundary.
*/
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/engine"
	"github.com/homie-os/orchestrator/internal/registry"
)

// Actions is the supervisor-facing request boundary.
type Actions interface {
	ReportHealthy(service string)
	ReportUnhealthy(service, reason string)
	RequestRestart(service, reason string)
	RequestQuarantine(service, reason string)
}

// Verdict is the monitor's current judgement of one service.
type Verdict string

const (
	VerdictOK        Verdict = "ok"
	VerdictUnhealthy Verdict = "unhealthy"
	VerdictFlapping  Verdict = "flapping"
	VerdictStarved   Verdict = "resource-starved"
	VerdictUnknown   Verdict = "unknown"
)

// Recorder receives probe measurements.
type Recorder interface {
	ObserveProbe(service string, status Status, latency time.Duration)
}

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveProbe(string, Status, time.Duration) {}

// Summary is the per-service view exposed over the API.
type Summary struct {
	Service               string   `json:"service"`
	Verdict               Verdict  `json:"verdict"`
	Flips                 int      `json:"flips"`
	ConsecutiveNotHealthy int      `json:"consecutive_not_healthy"`
	Samples               []Sample `json:"samples"`
}

// OverallHealth is the host-level summary: healthy when at least 80%
// of enabled services are in good shape.
type OverallHealth struct {
	Healthy  bool    `json:"healthy"`
	Total    int     `json:"total"`
	Good     int     `json:"good"`
	Fraction float64 `json:"fraction"`
}

// Options wires a Monitor.
type Options struct {
	Registry *registry.Registry
	Engine   engine.Engine
	Actions  Actions
	Prober   Prober // optional, default NewProber(Engine)
	Recorder Recorder
	Logger   *slog.Logger
	Config   config.MonitorConfig
}

// Monitor dispatches probes and evaluates their history.
//
// # Concurrency
//
// Probes fan out one goroutine per due service so a slow probe never
// delays the others. Each service has at most one probe in flight; a
// tick that finds one still running skips the service rather than
// queueing behind it.
type Monitor struct {
	registry *registry.Registry
	engine   engine.Engine
	actions  Actions
	prober   Prober
	rec      Recorder
	log      *slog.Logger

	defaultInterval time.Duration
	flapThreshold   int
	flapWindow      time.Duration
	historySize     int
	starveCPU       float64
	starveMem       float64
	starveSamples   int

	mu        sync.Mutex
	histories map[string]*History
	inflight  map[string]struct{}
	lastProbe map[string]time.Time
	starved   map[string]int
	verdicts  map[string]Verdict
}

// NewMonitor builds the monitor with defaults filled in.
func NewMonitor(opts Options) *Monitor {
	cfg := opts.Config
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = config.Duration(30 * time.Second)
	}
	if cfg.FlapThreshold <= 0 {
		cfg.FlapThreshold = 5
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = config.Duration(10 * time.Minute)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if cfg.StarvationCPUPercent <= 0 {
		cfg.StarvationCPUPercent = 90
	}
	if cfg.StarvationMemPercent <= 0 {
		cfg.StarvationMemPercent = 95
	}
	if cfg.StarvationSamples <= 0 {
		cfg.StarvationSamples = 3
	}
	if opts.Prober == nil {
		opts.Prober = NewProber(opts.Engine)
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}

	return &Monitor{
		registry:        opts.Registry,
		engine:          opts.Engine,
		actions:         opts.Actions,
		prober:          opts.Prober,
		rec:             opts.Recorder,
		log:             opts.Logger,
		defaultInterval: cfg.DefaultInterval.Std(),
		flapThreshold:   cfg.FlapThreshold,
		flapWindow:      cfg.FlapWindow.Std(),
		historySize:     cfg.HistorySize,
		starveCPU:       cfg.StarvationCPUPercent,
		starveMem:       cfg.StarvationMemPercent,
		starveSamples:   cfg.StarvationSamples,
		histories:       map[string]*History{},
		inflight:        map[string]struct{}{},
		lastProbe:       map[string]time.Time{},
		starved:         map[string]int{},
		verdicts:        map[string]Verdict{},
	}
}

// Run dispatches due probes until the context dies.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx, false)
		}
	}
}

// Sweep dispatches a probe for every monitored service that is due (or
// for all of them when force is set). Returns the number dispatched;
// never blocks on probe completion.
func (m *Monitor) Sweep(ctx context.Context, force bool) int {
	now := time.Now()
	dispatched := 0

	for name, spec := range m.registry.Specs() {
		if spec.Health == nil || !spec.IsEnabled() {
			continue
		}
		st, ok := m.registry.Get(name)
		if !ok || !st.Phase.Active() || st.ContainerID == "" {
			continue
		}

		interval := spec.Health.Interval.Std()
		if interval <= 0 {
			interval = m.defaultInterval
		}

		m.mu.Lock()
		if _, busy := m.inflight[name]; busy {
			m.mu.Unlock()
			continue
		}
		if !force && now.Sub(m.lastProbe[name]) < interval {
			m.mu.Unlock()
			continue
		}
		m.inflight[name] = struct{}{}
		m.lastProbe[name] = now
		m.mu.Unlock()

		dispatched++
		go m.probeService(ctx, name)
	}
	return dispatched
}

// probeService runs one probe and evaluates the result.
func (m *Monitor) probeService(ctx context.Context, name string) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, name)
		m.mu.Unlock()
	}()

	spec, ok := m.registry.Spec(name)
	if !ok || spec.Health == nil {
		return
	}
	st, ok := m.registry.Get(name)
	if !ok || st.ContainerID == "" {
		return
	}

	sample := m.prober.Probe(ctx, st.ContainerID, *spec.Health)
	m.history(name).Append(sample)
	m.rec.ObserveProbe(name, sample.Status, sample.Latency)

	switch sample.Status {
	case StatusHealthy:
		m.actions.ReportHealthy(name)
		m.setStarvedStreak(name, 0)
	case StatusUnhealthy:
		m.actions.ReportUnhealthy(name, sample.Detail)
	case StatusUnknown:
		// Absorbed into history; acted on only past the threshold.
		m.log.Debug("probe inconclusive", "service", name, "detail", sample.Detail)
	}

	m.EvaluateAndAct(ctx, name)
}

// EvaluateAndAct inspects one service's history and decides between
// no-op, restart request, and quarantine.
//
// # Description
//
// Flap detection outranks everything: a service flipping faster than
// restarts can resolve gets quarantined, not restarted again. Below
// that, a sustained run of bad samples triggers a restart request,
// unless the container's resource usage shows sustained saturation
// against its limits, in which case the verdict is resource-starved
// and no restart is requested; restarting a starved service burns the
// same resources for the same outcome.
func (m *Monitor) EvaluateAndAct(ctx context.Context, name string) Verdict {
	spec, ok := m.registry.Spec(name)
	if !ok || spec.Health == nil {
		return VerdictUnknown
	}
	hist := m.history(name)
	now := time.Now()

	verdict := m.currentVerdict(hist)

	flips := hist.Flips(m.flapWindow, now)
	if flips >= m.flapThreshold {
		verdict = VerdictFlapping
		m.setVerdict(name, verdict)
		m.actions.RequestQuarantine(name,
			fmt.Sprintf("flapping: %d flips within %s", flips, m.flapWindow))
		m.resetHistory(name)
		return verdict
	}

	threshold := spec.Health.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	run := hist.ConsecutiveNotHealthy()
	if run < threshold {
		m.setVerdict(name, verdict)
		return verdict
	}

	if st, ok := m.registry.Get(name); ok && m.isSaturated(ctx, st, spec) {
		streak := m.bumpStarvedStreak(name)
		if streak >= m.starveSamples {
			verdict = VerdictStarved
			m.setVerdict(name, verdict)
			m.log.Warn("service resource-starved, withholding restart",
				"service", name, "saturated_samples", streak)
			return verdict
		}
		// Saturated but not yet sustained: gather more evidence before
		// deciding between starved and plain unhealthy.
		m.setVerdict(name, VerdictUnhealthy)
		return VerdictUnhealthy
	}
	m.setStarvedStreak(name, 0)

	verdict = VerdictUnhealthy
	m.setVerdict(name, verdict)
	m.actions.RequestRestart(name,
		fmt.Sprintf("sustained failure: %d consecutive bad samples", run))
	m.resetHistory(name)
	return verdict
}

// isSaturated samples resource usage and compares it to the limits.
func (m *Monitor) isSaturated(ctx context.Context, st registry.ServiceState, spec config.ServiceSpec) bool {
	if spec.CPULimit <= 0 && spec.MemoryLimit == "" {
		return false
	}
	stats, err := m.engine.Stats(ctx, st.ContainerID)
	if err != nil {
		return false
	}

	if spec.CPULimit > 0 {
		limitPct := spec.CPULimit * 100
		if stats.CPUPercent >= limitPct*m.starveCPU/100 {
			return true
		}
	}
	if stats.MemLimitBytes > 0 &&
		float64(stats.MemBytes) >= float64(stats.MemLimitBytes)*m.starveMem/100 {
		return true
	}
	return false
}

// =============================================================================
// Bookkeeping
// =============================================================================

func (m *Monitor) history(name string) *History {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[name]
	if !ok {
		h = NewHistory(m.historySize)
		m.histories[name] = h
	}
	return h
}

// resetHistory starts fresh evidence after a corrective action; stale
// samples from before the action would immediately re-trigger it.
func (m *Monitor) resetHistory(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories[name] = NewHistory(m.historySize)
}

func (m *Monitor) setVerdict(name string, v Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts[name] = v
}

func (m *Monitor) setStarvedStreak(name string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starved[name] = n
}

func (m *Monitor) bumpStarvedStreak(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starved[name]++
	return m.starved[name]
}

func (m *Monitor) currentVerdict(hist *History) Verdict {
	last, ok := hist.Last()
	if !ok {
		return VerdictUnknown
	}
	switch last.Status {
	case StatusHealthy:
		return VerdictOK
	case StatusUnhealthy:
		return VerdictUnhealthy
	default:
		return VerdictUnknown
	}
}

// ServiceSummary returns the API view of one service's health.
func (m *Monitor) ServiceSummary(name string) Summary {
	hist := m.history(name)
	m.mu.Lock()
	verdict, ok := m.verdicts[name]
	m.mu.Unlock()
	if !ok {
		verdict = VerdictUnknown
	}
	return Summary{
		Service:               name,
		Verdict:               verdict,
		Flips:                 hist.Flips(m.flapWindow, time.Now()),
		ConsecutiveNotHealthy: hist.ConsecutiveNotHealthy(),
		Samples:               hist.All(),
	}
}

// Overall reports host-level health: at least 80% of enabled services
// must be healthy (or running, for services without a check).
func (m *Monitor) Overall() OverallHealth {
	specs := m.registry.Specs()
	total, good := 0, 0
	for name, spec := range specs {
		if !spec.IsEnabled() {
			continue
		}
		total++
		st, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		if st.Phase.SatisfiesDependents(spec.Health != nil) {
			good++
		}
	}
	if total == 0 {
		return OverallHealth{Healthy: true, Fraction: 1}
	}
	frac := float64(good) / float64(total)
	return OverallHealth{
		Healthy:  frac >= 0.8,
		Total:    total,
		Good:     good,
		Fraction: frac,
	}
}
