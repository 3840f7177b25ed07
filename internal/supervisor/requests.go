// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package supervisor

import (
	"fmt"
	"time"

	"github.com/homie-os/orchestrator/internal/registry"
)

// requestKind labels queued corrective requests.
type requestKind string

const (
	reqRestart       requestKind = "restart"
	reqQuarantine    requestKind = "quarantine"
	reqMarkHealthy   requestKind = "mark-healthy"
	reqMarkUnhealthy requestKind = "mark-unhealthy"
)

// request is one queued message from the health monitor or the API.
// All state mutation happens in the supervisor's run loop; submitters
// never touch ServiceState themselves.
type request struct {
	kind    requestKind
	service string
	reason  string
}

// submit enqueues a request without blocking. A full queue drops the
// request; the next reconciliation pass re-derives the same corrective
// action from observed state, so a drop delays healing rather than
// losing it.
func (m *Manager) submit(req request) {
	select {
	case m.requests <- req:
	default:
		m.log.Warn("request queue full, dropping",
			"kind", req.kind, "service", req.service)
	}
}

// RequestRestart asks for a corrective restart. Used by the health
// monitor on sustained failure.
func (m *Manager) RequestRestart(service, reason string) {
	m.submit(request{kind: reqRestart, service: service, reason: reason})
}

// RequestQuarantine asks for quarantine. Used by the health monitor on
// flap detection; bypasses restart backoff entirely.
func (m *Manager) RequestQuarantine(service, reason string) {
	m.submit(request{kind: reqQuarantine, service: service, reason: reason})
}

// ReportHealthy records a passing probe verdict.
func (m *Manager) ReportHealthy(service string) {
	m.submit(request{kind: reqMarkHealthy, service: service})
}

// ReportUnhealthy records a failing probe verdict.
func (m *Manager) ReportUnhealthy(service, reason string) {
	m.submit(request{kind: reqMarkUnhealthy, service: service, reason: reason})
}

// =============================================================================
// Operator Commands
// =============================================================================

// Enable clears the operator disable flag and triggers reconciliation.
func (m *Manager) Enable(service string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		st.Disabled = false
		return nil
	})
	if err != nil {
		return err
	}
	m.Kick()
	return nil
}

// Disable marks the service operator-disabled; the next pass removes
// its container.
func (m *Manager) Disable(service string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		st.Disabled = true
		return nil
	})
	if err != nil {
		return err
	}
	m.Kick()
	return nil
}

// Restart schedules an operator-requested restart, skipping backoff.
func (m *Manager) Restart(service string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	m.RequestRestart(service, "operator request")
	m.Kick()
	return nil
}

// Quarantine puts the service into the quarantined phase.
func (m *Manager) Quarantine(service, reason string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	if reason == "" {
		reason = "operator request"
	}
	return m.applyQuarantine(service, reason)
}

// MarkGood clears quarantine and failure bookkeeping so the next pass
// starts the service fresh. This is the only way out of quarantine.
func (m *Manager) MarkGood(service string) error {
	if err := m.requireKnown(service); err != nil {
		return err
	}
	err := m.registry.Update(service, func(st *registry.ServiceState) error {
		st.Quarantined = false
		st.QuarantineReason = ""
		st.ConsecutiveFailures = 0
		st.FailedAttempts = 0
		st.NextRestartAt = time.Time{}
		st.LastError = ""
		if st.Phase == registry.PhaseQuarantined || st.Phase == registry.PhaseFailed {
			st.SetPhase(registry.PhasePending)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("quarantine cleared", "service", service)
	m.Kick()
	return nil
}

func (m *Manager) requireKnown(service string) error {
	if _, ok := m.registry.Get(service); ok {
		return nil
	}
	if _, ok := m.registry.Spec(service); ok {
		return nil
	}
	return fmt.Errorf("%w: %s", registry.ErrUnknownService, service)
}
