// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/homie-os/orchestrator/pkg/validation"
)

var (
	// ErrConfigNotFound is returned when the config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrInvalidConfig is returned for any validation failure. The
	// wrapped message names the offending service or task.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownDependency is returned when depends_on names a service
	// that is not in the catalog.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Defaults applied when the file leaves a knob unset.
const (
	DefaultRuntimeBinary    = "docker"
	DefaultNetwork          = "homie"
	DefaultDataDir          = "/var/lib/homie"
	DefaultAPIListen        = "127.0.0.1:9410"
	DefaultOperationTimeout = 30 * time.Second
	DefaultStopTimeout      = 30 * time.Second
	DefaultReconcileEvery   = 15 * time.Second
	DefaultBackoffBase      = 2 * time.Second
	DefaultBackoffCap       = 5 * time.Minute
	DefaultHealthyReset     = 5 * time.Minute
	DefaultProbeInterval    = 30 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultFailureThreshold = 3
	DefaultFlapThreshold    = 5
	DefaultFlapWindow       = 10 * time.Minute
	DefaultHistorySize      = 20
	DefaultTaskWeight       = 1
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultStallTimeout     = 24 * time.Hour
	DefaultSchedulerBudget  = 2
	DefaultBackupRetention  = 30 * 24 * time.Hour
	DefaultMaxFailedRetries = 3
	DefaultRestartsPerMin   = 6
)

// Load reads, defaults, and validates the configuration at path.
//
// # Description
//
// The file is strict-decoded (unknown keys are an error, which catches
// typos in service definitions), defaults are filled in, and the result
// is validated including dependency-cycle detection. A cycle anywhere in
// the catalog fails the whole load; no partial catalog is returned.
//
// # Inputs
//
//   - path: YAML config file path.
//
// # Outputs
//
//   - *Config: Fully defaulted, validated configuration.
//   - error: ErrConfigNotFound, ErrInvalidConfig, ErrUnknownDependency,
//     or ErrDependencyCycle (wrapped with detail).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset fields in place. Idempotent.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Runtime.Binary == "" {
		c.Runtime.Binary = DefaultRuntimeBinary
	}
	if c.Runtime.Network == "" {
		c.Runtime.Network = DefaultNetwork
	}
	if c.Runtime.OperationTimeout == 0 {
		c.Runtime.OperationTimeout = Duration(DefaultOperationTimeout)
	}
	if c.Runtime.StopTimeout == 0 {
		c.Runtime.StopTimeout = Duration(DefaultStopTimeout)
	}
	if c.Reconcile.Interval == 0 {
		c.Reconcile.Interval = Duration(DefaultReconcileEvery)
	}
	if c.Reconcile.BackoffBase == 0 {
		c.Reconcile.BackoffBase = Duration(DefaultBackoffBase)
	}
	if c.Reconcile.BackoffCap == 0 {
		c.Reconcile.BackoffCap = Duration(DefaultBackoffCap)
	}
	if c.Reconcile.HealthyReset == 0 {
		c.Reconcile.HealthyReset = Duration(DefaultHealthyReset)
	}
	if c.Reconcile.MaxFailedRetries == 0 {
		c.Reconcile.MaxFailedRetries = DefaultMaxFailedRetries
	}
	if c.Reconcile.RestartsPerMinute == 0 {
		c.Reconcile.RestartsPerMinute = DefaultRestartsPerMin
	}
	if c.Monitor.DefaultInterval == 0 {
		c.Monitor.DefaultInterval = Duration(DefaultProbeInterval)
	}
	if c.Monitor.FlapThreshold == 0 {
		c.Monitor.FlapThreshold = DefaultFlapThreshold
	}
	if c.Monitor.FlapWindow == 0 {
		c.Monitor.FlapWindow = Duration(DefaultFlapWindow)
	}
	if c.Monitor.HistorySize == 0 {
		c.Monitor.HistorySize = DefaultHistorySize
	}
	if c.Monitor.StarvationCPUPercent == 0 {
		c.Monitor.StarvationCPUPercent = 90
	}
	if c.Monitor.StarvationMemPercent == 0 {
		c.Monitor.StarvationMemPercent = 95
	}
	if c.Monitor.StarvationSamples == 0 {
		c.Monitor.StarvationSamples = 3
	}
	if c.Scheduler.Budget == 0 {
		c.Scheduler.Budget = DefaultSchedulerBudget
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(c.DataDir, "backups")
	}
	if c.Backup.Retention == 0 {
		c.Backup.Retention = Duration(DefaultBackupRetention)
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}

	for name, svc := range c.Services {
		svc.Name = name
		if svc.RestartPolicy == "" {
			svc.RestartPolicy = RestartUnlessStopped
		}
		if svc.Health != nil {
			if svc.Health.Interval == 0 {
				svc.Health.Interval = c.Monitor.DefaultInterval
			}
			if svc.Health.Timeout == 0 {
				svc.Health.Timeout = Duration(DefaultProbeTimeout)
			}
			if svc.Health.FailureThreshold == 0 {
				svc.Health.FailureThreshold = DefaultFailureThreshold
			}
		}
		c.Services[name] = svc
	}

	if c.Tasks == nil {
		c.Tasks = defaultTasks()
	}
	for id, task := range c.Tasks {
		task.ID = id
		if task.Weight == 0 {
			task.Weight = DefaultTaskWeight
		}
		if task.Timeout == 0 {
			task.Timeout = Duration(DefaultTaskTimeout)
		}
		if task.StallTimeout == 0 {
			task.StallTimeout = Duration(DefaultStallTimeout)
		}
		c.Tasks[id] = task
	}
}

// defaultTasks mirrors the maintenance schedule the system ships with
// when the operator declares none: a health sweep every five minutes, a
// backup at 02:00, and backup cleanup at 03:00.
func defaultTasks() map[string]TaskSpec {
	return map[string]TaskSpec{
		"health-sweep": {Kind: TaskHealthSweep, Schedule: "5m"},
		"backup":       {Kind: TaskBackup, Schedule: "0 2 * * *"},
		"cleanup":      {Kind: TaskBackupCleanup, Schedule: "0 3 * * *"},
	}
}

// Validate checks structural constraints, probe definitions, dependency
// existence, and rejects dependency cycles.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for name, svc := range c.Services {
		if err := validation.ValidateServiceName(name); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := validation.ValidateImageRef(svc.Image); err != nil {
			return fmt.Errorf("%w: service %q: %v", ErrInvalidConfig, name, err)
		}
		for _, vol := range svc.Volumes {
			if err := validation.ValidateVolume(vol); err != nil {
				return fmt.Errorf("%w: service %q: %v", ErrInvalidConfig, name, err)
			}
		}
		for key := range svc.Environment {
			if err := validation.ValidateEnvKey(key); err != nil {
				return fmt.Errorf("%w: service %q: %v", ErrInvalidConfig, name, err)
			}
		}
		if !svc.RestartPolicy.Valid() {
			return fmt.Errorf("%w: service %q: unknown restart_policy %q",
				ErrInvalidConfig, name, svc.RestartPolicy)
		}
		if _, err := svc.MemoryLimitBytes(); err != nil {
			return fmt.Errorf("%w: service %q: %v", ErrInvalidConfig, name, err)
		}
		if svc.Health != nil {
			if err := validateProbe(name, svc.Health); err != nil {
				return err
			}
		}
		for _, dep := range svc.DependsOn {
			if dep == name {
				return fmt.Errorf("%w: service %q depends on itself", ErrInvalidConfig, name)
			}
			if _, ok := c.Services[dep]; !ok {
				return fmt.Errorf("%w: service %q depends on %q", ErrUnknownDependency, name, dep)
			}
		}
	}

	if _, err := TopologicalOrder(c.Services); err != nil {
		return err
	}

	for id, task := range c.Tasks {
		if task.Schedule == "" && task.After == "" {
			return fmt.Errorf("%w: task %q has neither schedule nor after", ErrInvalidConfig, id)
		}
		if task.After != "" {
			if _, ok := c.Tasks[task.After]; !ok {
				return fmt.Errorf("%w: task %q waits on unknown task %q", ErrInvalidConfig, id, task.After)
			}
		}
		for _, svc := range task.Services {
			if _, ok := c.Services[svc]; !ok {
				return fmt.Errorf("%w: task %q targets unknown service %q", ErrInvalidConfig, id, svc)
			}
		}
	}

	return nil
}

func validateProbe(service string, probe *HealthCheckSpec) error {
	switch probe.Type {
	case ProbeHTTP, ProbeTCP:
		if probe.Endpoint == "" {
			return fmt.Errorf("%w: service %q: %s probe needs an endpoint",
				ErrInvalidConfig, service, probe.Type)
		}
	case ProbeExec:
		if len(probe.Command) == 0 {
			return fmt.Errorf("%w: service %q: exec probe needs a command",
				ErrInvalidConfig, service)
		}
	default:
		return fmt.Errorf("%w: service %q: unknown probe type %q",
			ErrInvalidConfig, service, probe.Type)
	}
	if probe.Timeout.Std() >= probe.Interval.Std() {
		return fmt.Errorf("%w: service %q: probe timeout %s must be below interval %s",
			ErrInvalidConfig, service, probe.Timeout.Std(), probe.Interval.Std())
	}
	return nil
}

// SortedServiceNames returns catalog keys in stable order, for
// deterministic iteration in logs and tests.
func (c *Config) SortedServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
