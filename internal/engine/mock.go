// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"sync"
	"time"
)

// Mock is a func-field test double for Engine. Unset fields report
// success with zero values so tests only wire what they assert on.
type Mock struct {
	PingFunc          func(ctx context.Context) error
	EnsureNetworkFunc func(ctx context.Context, name string) error
	PullFunc          func(ctx context.Context, image string) error
	CreateFunc        func(ctx context.Context, spec CreateSpec) (string, error)
	StartFunc         func(ctx context.Context, id string) error
	StopFunc          func(ctx context.Context, id string, grace time.Duration) error
	RemoveFunc        func(ctx context.Context, id string, force bool) error
	InspectFunc       func(ctx context.Context, id string) (*Inspection, error)
	StatsFunc         func(ctx context.Context, id string) (*Stats, error)
	ExecProbeFunc     func(ctx context.Context, id string, command []string) (*ProbeResult, error)
	LogsFunc          func(ctx context.Context, id string, tail int) (string, error)
	ListManagedFunc   func(ctx context.Context) ([]Container, error)

	mu    sync.Mutex
	calls []string
}

func (m *Mock) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
}

// Calls returns the operations invoked so far, in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *Mock) Ping(ctx context.Context) error {
	m.record("ping")
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *Mock) EnsureNetwork(ctx context.Context, name string) error {
	m.record("ensure-network " + name)
	if m.EnsureNetworkFunc != nil {
		return m.EnsureNetworkFunc(ctx, name)
	}
	return nil
}

func (m *Mock) Pull(ctx context.Context, image string) error {
	m.record("pull " + image)
	if m.PullFunc != nil {
		return m.PullFunc(ctx, image)
	}
	return nil
}

func (m *Mock) Create(ctx context.Context, spec CreateSpec) (string, error) {
	m.record("create " + spec.Service)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, spec)
	}
	return "mock-" + spec.Service, nil
}

func (m *Mock) Start(ctx context.Context, id string) error {
	m.record("start " + id)
	if m.StartFunc != nil {
		return m.StartFunc(ctx, id)
	}
	return nil
}

func (m *Mock) Stop(ctx context.Context, id string, grace time.Duration) error {
	m.record("stop " + id)
	if m.StopFunc != nil {
		return m.StopFunc(ctx, id, grace)
	}
	return nil
}

func (m *Mock) Remove(ctx context.Context, id string, force bool) error {
	m.record("remove " + id)
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, id, force)
	}
	return nil
}

func (m *Mock) Inspect(ctx context.Context, id string) (*Inspection, error) {
	m.record("inspect " + id)
	if m.InspectFunc != nil {
		return m.InspectFunc(ctx, id)
	}
	return &Inspection{ID: id, Status: "running"}, nil
}

func (m *Mock) Stats(ctx context.Context, id string) (*Stats, error) {
	m.record("stats " + id)
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx, id)
	}
	return &Stats{SampledAt: time.Now()}, nil
}

func (m *Mock) ExecProbe(ctx context.Context, id string, command []string) (*ProbeResult, error) {
	m.record("exec-probe " + id)
	if m.ExecProbeFunc != nil {
		return m.ExecProbeFunc(ctx, id, command)
	}
	return &ProbeResult{OK: true}, nil
}

func (m *Mock) Logs(ctx context.Context, id string, tail int) (string, error) {
	m.record("logs " + id)
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, id, tail)
	}
	return "", nil
}

func (m *Mock) ListManaged(ctx context.Context) ([]Container, error) {
	m.record("list-managed")
	if m.ListManagedFunc != nil {
		return m.ListManagedFunc(ctx)
	}
	return nil, nil
}

var _ Engine = (*Mock)(nil)
