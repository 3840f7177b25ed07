// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config declares the supervisor's configuration model: engine
// settings, the service catalog (ServiceSpec), and scheduled tasks
// (TaskSpec), together with the YAML loader and validation.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Duration
// =============================================================================

// Duration wraps time.Duration so YAML values like "30s", "5m", "1h",
// and "1d" parse directly. The "d" suffix is accepted for day-granular
// schedules even though time.ParseDuration does not know it.
type Duration time.Duration

// UnmarshalYAML parses a duration string or an integer number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var secs int64
		if err2 := value.Decode(&secs); err2 != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration is time.ParseDuration extended with a "d" (day) suffix,
// matching the interval syntax accepted for task schedules.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return parsed, nil
}

// =============================================================================
// Restart Policy
// =============================================================================

// RestartPolicy controls what the supervisor does when a container exits
// unexpectedly.
type RestartPolicy string

const (
	// RestartNever leaves the service stopped after any exit.
	RestartNever RestartPolicy = "never"

	// RestartOnFailure restarts only after a nonzero exit code.
	RestartOnFailure RestartPolicy = "on-failure"

	// RestartAlways restarts after every exit.
	RestartAlways RestartPolicy = "always"

	// RestartUnlessStopped restarts unless the service was stopped by an
	// operator command.
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// Valid reports whether the policy is one of the four known values.
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartNever, RestartOnFailure, RestartAlways, RestartUnlessStopped:
		return true
	}
	return false
}

// =============================================================================
// Health Check
// =============================================================================

// ProbeType selects how a service's health is probed.
type ProbeType string

const (
	// ProbeHTTP issues a GET against Endpoint and expects a 2xx/3xx status.
	ProbeHTTP ProbeType = "http"

	// ProbeTCP dials Endpoint and expects the connection to be accepted.
	ProbeTCP ProbeType = "tcp"

	// ProbeExec runs Command inside the container and expects exit 0.
	ProbeExec ProbeType = "exec"
)

// HealthCheckSpec describes the probe for one service.
type HealthCheckSpec struct {
	// Type selects the probe mechanism.
	Type ProbeType `yaml:"type" validate:"required,oneof=http tcp exec"`

	// Endpoint is the URL (http) or host:port (tcp) to probe.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Command is the exec probe command and arguments.
	Command []string `yaml:"command,omitempty"`

	// Interval between probes. Default 30s.
	Interval Duration `yaml:"interval,omitempty"`

	// Timeout for one probe attempt. Default 10s.
	Timeout Duration `yaml:"timeout,omitempty"`

	// FailureThreshold is the number of consecutive unhealthy samples
	// before corrective action. Default 3.
	FailureThreshold int `yaml:"failure_threshold,omitempty" validate:"omitempty,min=1"`
}

// =============================================================================
// Service Spec
// =============================================================================

// ServiceSpec is the immutable-per-version declaration of one managed
// service. Specs are replaced wholesale on update; there are no partial
// patch semantics at this layer.
type ServiceSpec struct {
	// Name is the unique service key. Filled from the catalog map key.
	Name string `yaml:"-"`

	// Image is the container image reference.
	Image string `yaml:"image" validate:"required"`

	// Enabled gates reconciliation. Disabled services have their
	// containers removed. Default true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// RestartPolicy for unexpected exits. Default "unless-stopped".
	RestartPolicy RestartPolicy `yaml:"restart_policy,omitempty"`

	// Environment variables for the container.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Ports in "host:container" form, or a bare port published 1:1.
	Ports []string `yaml:"ports,omitempty"`

	// Volumes in "host:container" form.
	Volumes []string `yaml:"volumes,omitempty"`

	// DependsOn names services that must be running (and healthy, if
	// they declare a health check) before this one starts.
	DependsOn []string `yaml:"depends_on,omitempty"`

	// Labels are attached to the container at creation time. They are
	// metadata only; control flow never branches on them.
	Labels map[string]string `yaml:"labels,omitempty"`

	// Command overrides the image command.
	Command []string `yaml:"command,omitempty"`

	// Entrypoint overrides the image entrypoint.
	Entrypoint []string `yaml:"entrypoint,omitempty"`

	// WorkingDir sets the container working directory.
	WorkingDir string `yaml:"working_dir,omitempty"`

	// User sets the container user.
	User string `yaml:"user,omitempty"`

	// Privileged runs the container in privileged mode.
	Privileged bool `yaml:"privileged,omitempty"`

	// MemoryLimit caps container memory, e.g. "512m" or "2g".
	MemoryLimit string `yaml:"memory_limit,omitempty"`

	// CPULimit caps container CPU in whole-core units, e.g. 1.5.
	CPULimit float64 `yaml:"cpu_limit,omitempty" validate:"omitempty,gt=0"`

	// Health is the optional health check definition.
	Health *HealthCheckSpec `yaml:"health,omitempty"`
}

// IsEnabled resolves the Enabled pointer with its default of true.
func (s ServiceSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// MemoryLimitBytes parses MemoryLimit into bytes. Returns 0 when unset.
func (s ServiceSpec) MemoryLimitBytes() (int64, error) {
	return ParseByteSize(s.MemoryLimit)
}

// ParseByteSize parses "512m", "2g", "1024k", or a plain byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1024, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "g")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	return n * mult, nil
}

// =============================================================================
// Task Spec
// =============================================================================

// TaskKind enumerates the built-in scheduled task kinds.
type TaskKind string

const (
	// TaskHealthSweep forces an immediate probe of every monitored service.
	TaskHealthSweep TaskKind = "health-sweep"

	// TaskBackup snapshots the named services (all enabled when empty).
	TaskBackup TaskKind = "backup"

	// TaskBackupCleanup removes archives past the retention window.
	TaskBackupCleanup TaskKind = "backup-cleanup"

	// TaskImagePull refreshes the images of the named services.
	TaskImagePull TaskKind = "image-pull"
)

// TaskSpec declares one scheduled task. ID is filled from the map key.
type TaskSpec struct {
	ID string `yaml:"-"`

	// Kind selects the built-in behavior.
	Kind TaskKind `yaml:"kind" validate:"required,oneof=health-sweep backup backup-cleanup image-pull"`

	// Schedule is a five-field cron expression or an interval such as
	// "30s", "5m", "1h", "1d". Empty when After is set.
	Schedule string `yaml:"schedule,omitempty"`

	// After names another task; this task fires when that one completes
	// successfully.
	After string `yaml:"after,omitempty"`

	// Services scopes the task to named services, where applicable.
	Services []string `yaml:"services,omitempty"`

	// Weight is the task's admission cost against the scheduler budget.
	// Default 1.
	Weight int `yaml:"weight,omitempty" validate:"omitempty,min=1"`

	// Timeout bounds a single run. Default 30m.
	Timeout Duration `yaml:"timeout,omitempty"`

	// StallTimeout bounds waiting for the After prerequisite. Default 24h.
	StallTimeout Duration `yaml:"stall_timeout,omitempty"`

	// Enabled gates scheduling. Default true.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled resolves the Enabled pointer with its default of true.
func (t TaskSpec) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// =============================================================================
// Engine Configuration
// =============================================================================

// RuntimeConfig points the runtime adapter at the container engine.
type RuntimeConfig struct {
	// Binary is the container CLI to drive ("docker" or "podman").
	Binary string `yaml:"binary,omitempty"`

	// Network is the bridge network managed containers attach to.
	Network string `yaml:"network,omitempty"`

	// OperationTimeout bounds every individual runtime call. Default 30s.
	OperationTimeout Duration `yaml:"operation_timeout,omitempty"`

	// StopTimeout is the grace period for container stop. Default 30s.
	StopTimeout Duration `yaml:"stop_timeout,omitempty"`
}

// ReconcileConfig tunes the reconciliation loop and restart policy engine.
type ReconcileConfig struct {
	// Interval between reconciliation passes. Default 15s.
	Interval Duration `yaml:"interval,omitempty"`

	// BackoffBase is the first restart delay. Default 2s.
	BackoffBase Duration `yaml:"backoff_base,omitempty"`

	// BackoffCap is the maximum restart delay. Default 5m.
	BackoffCap Duration `yaml:"backoff_cap,omitempty"`

	// HealthyReset is how long a service must run without failure before
	// its backoff resets. Default 5m.
	HealthyReset Duration `yaml:"healthy_reset,omitempty"`

	// MaxFailedRetries bounds auto-retries of unrecoverable failures
	// before the service parks in Failed. Default 3.
	MaxFailedRetries int `yaml:"max_failed_retries,omitempty" validate:"omitempty,min=0"`

	// RestartsPerMinute rate-limits health-driven restarts across all
	// services. Default 6.
	RestartsPerMinute int `yaml:"restarts_per_minute,omitempty" validate:"omitempty,min=1"`
}

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	// DefaultInterval is used for services without an explicit probe
	// interval. Default 30s.
	DefaultInterval Duration `yaml:"default_interval,omitempty"`

	// FlapThreshold is K: flips within FlapWindow that trigger
	// quarantine. Default 5.
	FlapThreshold int `yaml:"flap_threshold,omitempty" validate:"omitempty,min=2"`

	// FlapWindow is W for flap detection. Default 10m.
	FlapWindow Duration `yaml:"flap_window,omitempty"`

	// HistorySize is the per-service health sample ring capacity.
	// Default 20.
	HistorySize int `yaml:"history_size,omitempty" validate:"omitempty,min=2"`

	// StarvationCPUPercent marks a service resource-starved when recent
	// CPU samples sit at or above this share of its limit. Default 90.
	StarvationCPUPercent float64 `yaml:"starvation_cpu_percent,omitempty" validate:"omitempty,gt=0,lte=100"`

	// StarvationMemPercent is the memory analogue. Default 95.
	StarvationMemPercent float64 `yaml:"starvation_mem_percent,omitempty" validate:"omitempty,gt=0,lte=100"`

	// StarvationSamples is how many consecutive saturated samples count
	// as sustained. Default 3.
	StarvationSamples int `yaml:"starvation_samples,omitempty" validate:"omitempty,min=1"`
}

// SchedulerConfig tunes task admission.
type SchedulerConfig struct {
	// Budget is the concurrent resource budget for admitted tasks.
	// Default 2.
	Budget int `yaml:"budget,omitempty" validate:"omitempty,min=1"`
}

// BackupConfig tunes the backup manager.
type BackupConfig struct {
	// Dir receives backup archives. Default "{DataDir}/backups".
	Dir string `yaml:"dir,omitempty"`

	// Retention is how long records and archives are kept. Default 30d.
	Retention Duration `yaml:"retention,omitempty"`
}

// APIConfig configures the control API listener.
type APIConfig struct {
	// Listen is the host:port the API binds to. Default "127.0.0.1:9410".
	Listen string `yaml:"listen,omitempty"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	// DataDir is the root for state, backups, and volumes the
	// supervisor owns. Default "/var/lib/homie".
	DataDir string `yaml:"data_dir,omitempty"`

	Log       LogConfig       `yaml:"log,omitempty"`
	Runtime   RuntimeConfig   `yaml:"runtime,omitempty"`
	Reconcile ReconcileConfig `yaml:"reconcile,omitempty"`
	Monitor   MonitorConfig   `yaml:"monitor,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Backup    BackupConfig    `yaml:"backup,omitempty"`
	API       APIConfig       `yaml:"api,omitempty"`

	// Services is the declared catalog, keyed by service name.
	Services map[string]ServiceSpec `yaml:"services"`

	// Tasks are the scheduled tasks, keyed by task id.
	Tasks map[string]TaskSpec `yaml:"tasks,omitempty"`
}
