// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package engine is the runtime adapter: a thin, stateless interface to
the container engine (docker or podman) used by the supervisor, the
health monitor, and the backup manager.

Every call is bounded by a timeout and fails with one of three
distinguishable kinds: ErrUnavailable (daemon unreachable),
ErrContainerNotFound, or ErrOperationTimeout. Callers branch on kind
with errors.Is; the raw engine stderr is preserved in the wrapped
message for diagnostics.
*/
package engine

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Error Kinds
// =============================================================================

var (
	// ErrUnavailable means the container engine itself is unreachable
	// (daemon down, socket missing, binary absent). Degrades the whole
	// reconciliation pass; never advances per-service state.
	ErrUnavailable = errors.New("container engine unavailable")

	// ErrContainerNotFound means the named container does not exist.
	ErrContainerNotFound = errors.New("container not found")

	// ErrOperationTimeout means the call exceeded its deadline. Treated
	// as failure, never as silent success.
	ErrOperationTimeout = errors.New("engine operation timed out")

	// ErrImagePull means the image could not be pulled (bad reference,
	// registry error). An unrecoverable spec-level fault for the service.
	ErrImagePull = errors.New("image pull failed")
)

// =============================================================================
// Labels
// =============================================================================

// Labels attached to every managed container at creation time. They are
// metadata for discovery and audit; control flow branches on typed
// ServiceSpec fields, never on label values.
const (
	LabelManaged  = "io.homie.managed"
	LabelService  = "io.homie.service"
	LabelSpecHash = "io.homie.spec-hash"
)

// ContainerNamePrefix namespaces managed containers in `docker ps`.
const ContainerNamePrefix = "homie_"

// =============================================================================
// Data Types
// =============================================================================

// Inspection is the observed state of one container.
type Inspection struct {
	ID         string
	Name       string
	Status     string // created, running, paused, restarting, exited, dead
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Image      string
	Labels     map[string]string
}

// Running reports whether the container is currently running.
func (i *Inspection) Running() bool { return i.Status == "running" }

// Exited reports whether the container has stopped on its own.
func (i *Inspection) Exited() bool { return i.Status == "exited" || i.Status == "dead" }

// Stats is one resource-usage sample.
type Stats struct {
	CPUPercent    float64
	MemBytes      int64
	MemLimitBytes int64
	SampledAt     time.Time
}

// ProbeResult is the outcome of an exec health probe.
type ProbeResult struct {
	OK       bool
	ExitCode int
	Latency  time.Duration
	Output   string
}

// Container is one entry from the managed-container listing.
type Container struct {
	ID      string
	Name    string
	Service string
	Status  string
}

// CreateSpec is everything the adapter needs to create a container.
// The supervisor fills it from a ServiceSpec plus bookkeeping labels.
type CreateSpec struct {
	Service     string
	Image       string
	Network     string
	Environment map[string]string
	Ports       []string
	Volumes     []string
	Labels      map[string]string
	Command     []string
	Entrypoint  []string
	WorkingDir  string
	User        string
	Privileged  bool
	MemoryBytes int64
	CPULimit    float64
}

// =============================================================================
// Interface
// =============================================================================

// Engine is the runtime adapter boundary. Leaf component; no internal
// state beyond the shared CLI binary/socket, which no caller assumes
// exclusive ownership of.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the supervisor,
// health monitor, and backup manager all hold the same instance.
type Engine interface {
	// Ping verifies the engine daemon is reachable.
	Ping(ctx context.Context) error

	// EnsureNetwork creates the managed bridge network if missing.
	EnsureNetwork(ctx context.Context, name string) error

	// Pull fetches an image. Returns ErrImagePull on registry failures.
	Pull(ctx context.Context, image string) error

	// Create creates a container and returns its id. Does not start it.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, id string) error

	// Stop stops a running container with the given grace period.
	Stop(ctx context.Context, id string, grace time.Duration) error

	// Remove deletes a container. force also kills a running one.
	Remove(ctx context.Context, id string, force bool) error

	// Inspect returns the container's observed state and exit code.
	Inspect(ctx context.Context, id string) (*Inspection, error)

	// Stats returns one resource-usage sample.
	Stats(ctx context.Context, id string) (*Stats, error)

	// ExecProbe runs a command inside the container and reports exit
	// code and latency. A probe that cannot run at all returns an error;
	// a probe that runs and fails returns OK=false with err nil.
	ExecProbe(ctx context.Context, id string, command []string) (*ProbeResult, error)

	// Logs returns the last tail lines of container output.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// ListManaged returns every container carrying the managed label,
	// running or not.
	ListManaged(ctx context.Context) ([]Container, error)
}
