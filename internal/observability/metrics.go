// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package observability exports supervisor, health, scheduler, and
backup measurements as Prometheus metrics.

# Description

Metrics implements the Recorder interface of every producing package,
so one instance is handed to all of them at wiring time. Call
Register() once after creation; the /metrics endpoint is served by the
API package.

# Thread Safety

Metrics is safe for concurrent use.
*/
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/homie-os/orchestrator/internal/backup"
	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/health"
	"github.com/homie-os/orchestrator/internal/registry"
	"github.com/homie-os/orchestrator/internal/scheduler"
	"github.com/homie-os/orchestrator/internal/supervisor"
)

const metricsNamespace = "homie"

var (
	_ supervisor.Recorder = (*Metrics)(nil)
	_ health.Recorder     = (*Metrics)(nil)
	_ scheduler.Recorder  = (*Metrics)(nil)
	_ backup.Recorder     = (*Metrics)(nil)
)

// Metrics is the Prometheus recorder for the whole supervisor.
type Metrics struct {
	// passesTotal counts reconciliation passes by result.
	passesTotal *prometheus.CounterVec

	// passDuration is a histogram of reconciliation pass durations.
	passDuration prometheus.Histogram

	// outcomesTotal counts per-service reconciliation outcomes.
	outcomesTotal *prometheus.CounterVec

	// restartsTotal counts corrective restarts per service.
	restartsTotal *prometheus.CounterVec

	// servicePhase exposes the current phase of each service as a
	// one-hot gauge over the phase label.
	servicePhase *prometheus.GaugeVec

	// probesTotal counts health probes by service and status.
	probesTotal *prometheus.CounterVec

	// probeDuration is a histogram of probe latencies by status.
	probeDuration *prometheus.HistogramVec

	// taskRunsTotal counts scheduled task runs by task and result.
	taskRunsTotal *prometheus.CounterVec

	// taskDuration is a histogram of task run durations by task.
	taskDuration *prometheus.HistogramVec

	// tasksDeferredTotal counts admissions deferred for lack of budget.
	tasksDeferredTotal *prometheus.CounterVec

	// backupsTotal counts backup runs by result.
	backupsTotal *prometheus.CounterVec

	// backupSizeBytes is the archive size of the last backup.
	backupSizeBytes prometheus.Gauge

	// backupPayloadBytes is the incremental payload of the last backup.
	backupPayloadBytes prometheus.Gauge

	// backupDuration is a histogram of backup durations.
	backupDuration prometheus.Histogram

	// mu protects lastPhase and registered.
	mu         sync.Mutex
	lastPhase  map[string]registry.Phase
	registered bool
}

// NewMetrics creates the recorder. Call Register() before serving
// /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		lastPhase: make(map[string]registry.Phase),

		passesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "passes_total",
				Help:      "Total reconciliation passes by result",
			},
			[]string{"result"},
		),

		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "pass_duration_seconds",
				Help:      "Duration of one reconciliation pass in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
			},
		),

		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reconcile",
				Name:      "outcomes_total",
				Help:      "Per-service reconciliation outcomes",
			},
			[]string{"outcome"},
		),

		restartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "supervisor",
				Name:      "restarts_total",
				Help:      "Corrective restarts per service",
			},
			[]string{"service"},
		),

		servicePhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "supervisor",
				Name:      "service_phase",
				Help:      "Current service phase (1 for the active phase, 0 otherwise)",
			},
			[]string{"service", "phase"},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "health",
				Name:      "probes_total",
				Help:      "Health probes by service and status",
			},
			[]string{"service", "status"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "health",
				Name:      "probe_duration_seconds",
				Help:      "Health probe latency in seconds by status",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"status"},
		),

		taskRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "scheduler",
				Name:      "task_runs_total",
				Help:      "Scheduled task runs by task and result",
			},
			[]string{"task", "result"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "scheduler",
				Name:      "task_duration_seconds",
				Help:      "Task run duration in seconds",
				Buckets:   []float64{0.1, 1.0, 10.0, 60.0, 300.0, 1800.0},
			},
			[]string{"task"},
		),

		tasksDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "scheduler",
				Name:      "tasks_deferred_total",
				Help:      "Task admissions deferred for lack of budget",
			},
			[]string{"task"},
		),

		backupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "runs_total",
				Help:      "Backup runs by result",
			},
			[]string{"result"},
		),

		backupSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "size_bytes",
				Help:      "Archive size of the most recent backup",
			},
		),

		backupPayloadBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "payload_bytes",
				Help:      "Incremental payload of the most recent backup",
			},
		),

		backupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "backup",
				Name:      "duration_seconds",
				Help:      "Backup run duration in seconds",
				Buckets:   []float64{1.0, 10.0, 60.0, 300.0, 900.0},
			},
		),
	}
}

// Register adds every collector to the default Prometheus registry.
// Calling it twice is a no-op.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.passesTotal,
		m.passDuration,
		m.outcomesTotal,
		m.restartsTotal,
		m.servicePhase,
		m.probesTotal,
		m.probeDuration,
		m.taskRunsTotal,
		m.taskDuration,
		m.tasksDeferredTotal,
		m.backupsTotal,
		m.backupSizeBytes,
		m.backupPayloadBytes,
		m.backupDuration,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

// =============================================================================
// Supervisor Recorder
// =============================================================================

func (m *Metrics) ObservePass(degraded bool, duration time.Duration) {
	result := "ok"
	if degraded {
		result = "degraded"
	}
	m.passesTotal.WithLabelValues(result).Inc()
	m.passDuration.Observe(duration.Seconds())
}

func (m *Metrics) ObserveOutcome(outcome supervisor.Outcome) {
	m.outcomesTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ObserveRestart(service string) {
	m.restartsTotal.WithLabelValues(service).Inc()
}

// ObservePhase flips the one-hot phase gauge for a service.
func (m *Metrics) ObservePhase(service string, phase registry.Phase) {
	m.mu.Lock()
	prev, had := m.lastPhase[service]
	m.lastPhase[service] = phase
	m.mu.Unlock()

	if had && prev != phase {
		m.servicePhase.WithLabelValues(service, string(prev)).Set(0)
	}
	m.servicePhase.WithLabelValues(service, string(phase)).Set(1)
}

// =============================================================================
// Health Recorder
// =============================================================================

func (m *Metrics) ObserveProbe(service string, status health.Status, latency time.Duration) {
	m.probesTotal.WithLabelValues(service, string(status)).Inc()
	m.probeDuration.WithLabelValues(string(status)).Observe(latency.Seconds())
}

// =============================================================================
// Scheduler Recorder
// =============================================================================

func (m *Metrics) ObserveTaskRun(id string, _ config.TaskKind, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.taskRunsTotal.WithLabelValues(id, result).Inc()
	m.taskDuration.WithLabelValues(id).Observe(duration.Seconds())
}

func (m *Metrics) ObserveDeferred(id string) {
	m.tasksDeferredTotal.WithLabelValues(id).Inc()
}

// =============================================================================
// Backup Recorder
// =============================================================================

func (m *Metrics) ObserveBackup(sizeBytes, payloadBytes int64, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.backupsTotal.WithLabelValues(result).Inc()
	m.backupDuration.Observe(duration.Seconds())
	if err == nil {
		m.backupSizeBytes.Set(float64(sizeBytes))
		m.backupPayloadBytes.Set(float64(payloadBytes))
	}
}
