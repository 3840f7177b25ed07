// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"sync"
	"time"
)

// Status is one probe verdict.
type Status string

const (
	// StatusHealthy means the application-level check passed.
	StatusHealthy Status = "healthy"

	// StatusUnhealthy means the check ran and failed.
	StatusUnhealthy Status = "unhealthy"

	// StatusUnknown means the probe itself errored (container
	// unreachable, timeout). An unreachable probe is not evidence the
	// application is broken, so this never maps onto unhealthy.
	StatusUnknown Status = "unknown"
)

// Sample is one health observation.
type Sample struct {
	Time    time.Time     `json:"time"`
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// History is a fixed-capacity ring of samples for one service. Oldest
// samples are overwritten; memory use is bounded regardless of uptime.
//
// # Thread Safety
//
// Safe for concurrent use.
type History struct {
	mu      sync.Mutex
	samples []Sample
	head    int
	size    int
}

// NewHistory creates a ring holding up to capacity samples.
func NewHistory(capacity int) *History {
	if capacity < 2 {
		capacity = 2
	}
	return &History{samples: make([]Sample, capacity)}
}

// Append records one sample, overwriting the oldest when full.
func (h *History) Append(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.head] = s
	h.head = (h.head + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}
}

// All returns the samples oldest-first.
func (h *History) All() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Sample, 0, h.size)
	start := h.head - h.size
	if start < 0 {
		start += len(h.samples)
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.samples[(start+i)%len(h.samples)])
	}
	return out
}

// Last returns the newest sample.
func (h *History) Last() (Sample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return Sample{}, false
	}
	idx := h.head - 1
	if idx < 0 {
		idx += len(h.samples)
	}
	return h.samples[idx], true
}

// Flips counts healthy<->unhealthy transitions within the window
// ending now. Unknown samples neither flip nor break a run; they carry
// no evidence either way.
func (h *History) Flips(window time.Duration, now time.Time) int {
	cutoff := now.Add(-window)
	flips := 0
	var prev Status
	for _, s := range h.All() {
		if s.Status == StatusUnknown || s.Time.Before(cutoff) {
			continue
		}
		if prev != "" && s.Status != prev {
			flips++
		}
		prev = s.Status
	}
	return flips
}

// ConsecutiveNotHealthy counts the newest run of samples that are not
// healthy. Unknown counts toward the run: a probe that keeps erroring
// past the threshold is actionable even without an application-level
// verdict.
func (h *History) ConsecutiveNotHealthy() int {
	samples := h.All()
	run := 0
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Status == StatusHealthy {
			break
		}
		run++
	}
	return run
}
