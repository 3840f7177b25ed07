// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package supervisor

import (
	"time"

	"github.com/homie-os/orchestrator/internal/registry"
)

// EventType classifies supervisor events.
type EventType string

const (
	EventPhaseChange EventType = "phase-change"
	EventReconcile   EventType = "reconcile"
	EventQuarantine  EventType = "quarantine"
	EventDegraded    EventType = "degraded"
)

// Event is one observable supervisor occurrence, published to the
// outside world (websocket feed, logs).
type Event struct {
	Type    EventType      `json:"type"`
	Service string         `json:"service,omitempty"`
	Phase   registry.Phase `json:"phase,omitempty"`
	Outcome Outcome        `json:"outcome,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Time    time.Time      `json:"time"`
}

// EventSink receives supervisor events. Publish must not block; slow
// consumers drop rather than stall reconciliation.
type EventSink interface {
	Publish(ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(Event) {}

var _ EventSink = NopSink{}
