// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package registry is the service registry: the declared service catalog
plus one mutable ServiceState per service, persisted across process
restarts.

ServiceState has a single writer (the supervisor). Other components
read snapshots and submit requests; they never mutate state directly.
The registry enforces that with a per-service lock exposed through
Update, which serializes every transition on a given service.
*/
package registry

import (
	"time"
)

// =============================================================================
// Lifecycle Phases
// =============================================================================

// Phase is one service lifecycle state.
type Phase string

const (
	// PhasePending means declared but not yet acted on.
	PhasePending Phase = "pending"

	// PhaseStarting means a start has been issued and not yet observed.
	PhaseStarting Phase = "starting"

	// PhaseRunning means the container runs; health not yet established
	// (or the service has no health check).
	PhaseRunning Phase = "running"

	// PhaseHealthy means running with a passing health check.
	PhaseHealthy Phase = "running-healthy"

	// PhaseUnhealthy means running with a failing health check.
	PhaseUnhealthy Phase = "running-unhealthy"

	// PhaseRestarting means a corrective restart is in progress or
	// pending its backoff delay.
	PhaseRestarting Phase = "restarting"

	// PhaseStopped means intentionally not running (policy or operator).
	PhaseStopped Phase = "stopped"

	// PhaseRemoved means the spec is gone and the container removed.
	PhaseRemoved Phase = "removed"

	// PhasePausedForBackup means stopped by the backup manager.
	// Reconciliation leaves the service alone until resumed.
	PhasePausedForBackup Phase = "paused-for-backup"

	// PhaseQuarantined is terminal until an operator clears it. No
	// automatic restarts happen in this phase.
	PhaseQuarantined Phase = "quarantined"

	// PhaseFailed means an unrecoverable fault (image pull failure,
	// invalid spec). Retried a bounded number of times, then left here.
	PhaseFailed Phase = "failed"
)

// Active reports whether the phase has a container that should be
// running.
func (p Phase) Active() bool {
	switch p {
	case PhaseStarting, PhaseRunning, PhaseHealthy, PhaseUnhealthy, PhaseRestarting:
		return true
	}
	return false
}

// Terminal reports whether automation must leave the service alone.
func (p Phase) Terminal() bool {
	return p == PhaseQuarantined || p == PhasePausedForBackup
}

// SatisfiesDependents reports whether a dependent service may start on
// top of this phase. hasHealthCheck refers to THIS service's spec: with
// a check the bar is running-healthy, without one plain running is
// enough.
func (p Phase) SatisfiesDependents(hasHealthCheck bool) bool {
	if hasHealthCheck {
		return p == PhaseHealthy
	}
	return p == PhaseRunning || p == PhaseHealthy
}

// =============================================================================
// ServiceState
// =============================================================================

// ServiceState is the mutable reconciliation state of one service.
type ServiceState struct {
	Name        string    `json:"name"`
	Phase       Phase     `json:"phase"`
	ContainerID string    `json:"container_id,omitempty"`
	SpecHash    string    `json:"spec_hash,omitempty"`

	LastExitCode        int       `json:"last_exit_code"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailedAttempts      int       `json:"failed_attempts"`
	RestartCount        int       `json:"restart_count"`
	LastTransition      time.Time `json:"last_transition"`

	// NextRestartAt gates the next corrective restart; zero means no
	// backoff pending.
	NextRestartAt time.Time `json:"next_restart_at,omitempty"`

	// HealthySince anchors the backoff reset window; zero while the
	// service is not continuously healthy.
	HealthySince time.Time `json:"healthy_since,omitempty"`

	Quarantined      bool   `json:"quarantined"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`

	// Disabled is the operator override; a service is reconciled only
	// when its spec enables it and no operator has disabled it.
	Disabled bool `json:"disabled"`

	// LastError is the reason string of the most recent failure,
	// prefixed "transient:" or "structural:" per the error taxonomy.
	LastError string `json:"last_error,omitempty"`
}

// SetPhase records a transition and its timestamp.
func (s *ServiceState) SetPhase(p Phase) {
	if s.Phase == p {
		return
	}
	s.Phase = p
	s.LastTransition = time.Now()
}

// Clone returns a copy safe to hand out beyond the registry lock.
func (s *ServiceState) Clone() ServiceState {
	return *s
}

// =============================================================================
// BackupRecord
// =============================================================================

// BackupRecord describes one completed backup invocation. Records are
// append-only; a correction is a new record, never an edit.
type BackupRecord struct {
	ID          string    `json:"id"`
	Services    []string  `json:"services"`
	ArchivePath string    `json:"archive_path"`
	SizeBytes   int64     `json:"size_bytes"`

	// PayloadBytes is the incremental portion: bytes of volume content
	// not already covered by the base record.
	PayloadBytes int64  `json:"payload_bytes"`
	BaseID       string `json:"base_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Verified  bool      `json:"verified"`

	// Manifest maps archive-relative file paths to content digests,
	// used to compute the next incremental diff.
	Manifest map[string]string `json:"manifest,omitempty"`
}
