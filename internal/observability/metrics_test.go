// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/homie-os/orchestrator/internal/health"
	"github.com/homie-os/orchestrator/internal/registry"
	"github.com/homie-os/orchestrator/internal/supervisor"
)

func TestPhaseGaugeIsOneHot(t *testing.T) {
	m := NewMetrics()

	m.ObservePhase("db", registry.PhaseStarting)
	m.ObservePhase("db", registry.PhaseRunning)

	assert.Equal(t, 0.0, testutil.ToFloat64(
		m.servicePhase.WithLabelValues("db", string(registry.PhaseStarting))))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.servicePhase.WithLabelValues("db", string(registry.PhaseRunning))))
}

func TestCountersSplitByResult(t *testing.T) {
	m := NewMetrics()

	m.ObservePass(false, 10*time.Millisecond)
	m.ObservePass(true, 10*time.Millisecond)
	m.ObservePass(true, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.passesTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.passesTotal.WithLabelValues("degraded")))

	m.ObserveOutcome(supervisor.OutcomeCreated)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.outcomesTotal.WithLabelValues(string(supervisor.OutcomeCreated))))

	m.ObserveProbe("web", health.StatusUnhealthy, 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.probesTotal.WithLabelValues("web", string(health.StatusUnhealthy))))

	m.ObserveBackup(1024, 512, time.Second, nil)
	m.ObserveBackup(0, 0, time.Second, errors.New("disk full"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backupsTotal.WithLabelValues("failed")))
	// A failed run must not clobber the last successful sizes.
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.backupSizeBytes))
}
