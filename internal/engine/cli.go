// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/homie-os/orchestrator/internal/process"
)

// CLIEngine drives the container engine through its CLI binary.
//
// # Description
//
// Shells out to `docker` (or `podman`; the two share the verbs used
// here) via a process.Manager, which keeps the adapter mockable. Every
// call is wrapped in an operation timeout; failures are classified into
// the package error kinds by inspecting stderr.
//
// # Limitations
//
//   - One fork per call. Fine at supervisor scale (tens of services,
//     second-granularity polling); not built for high-frequency use.
type CLIEngine struct {
	proc    process.Manager
	binary  string
	timeout time.Duration
	log     *slog.Logger
}

// NewCLIEngine builds an adapter around the given CLI binary.
func NewCLIEngine(proc process.Manager, binary string, opTimeout time.Duration, log *slog.Logger) *CLIEngine {
	if binary == "" {
		binary = "docker"
	}
	if opTimeout <= 0 {
		opTimeout = 30 * time.Second
	}
	return &CLIEngine{proc: proc, binary: binary, timeout: opTimeout, log: log}
}

// run executes one engine CLI call with the operation timeout applied.
func (e *CLIEngine) run(ctx context.Context, args ...string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.proc.Run(ctx, e.binary, args...)
}

// classify maps a CLI outcome onto the package error kinds.
func classify(op string, stderr string, exitCode int, err error) error {
	switch {
	case err == nil && exitCode == 0:
		return nil
	case err != nil && (strings.Contains(err.Error(), "deadline exceeded") || err == context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ErrOperationTimeout, op)
	case err != nil:
		// The binary could not be executed at all.
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}

	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such container"),
		strings.Contains(lower, "no container with name"),
		strings.Contains(lower, "no such object"):
		return fmt.Errorf("%w: %s: %s", ErrContainerNotFound, op, msg)
	case strings.Contains(lower, "cannot connect to the docker daemon"),
		strings.Contains(lower, "is the docker daemon running"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "unable to connect to podman"):
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, msg)
	case strings.Contains(lower, "manifest unknown"),
		strings.Contains(lower, "pull access denied"),
		strings.Contains(lower, "manifest for"),
		strings.Contains(lower, "name unknown"):
		return fmt.Errorf("%w: %s: %s", ErrImagePull, op, msg)
	default:
		return fmt.Errorf("%s: exit %d: %s", op, exitCode, msg)
	}
}

// Ping verifies the daemon answers.
func (e *CLIEngine) Ping(ctx context.Context) error {
	_, stderr, code, err := e.run(ctx, "version", "--format", "{{.Server.Version}}")
	return classify("ping", stderr, code, err)
}

// EnsureNetwork creates the managed bridge network if missing.
func (e *CLIEngine) EnsureNetwork(ctx context.Context, name string) error {
	_, stderr, code, err := e.run(ctx, "network", "inspect", name)
	if err == nil && code == 0 {
		return nil
	}
	if kindErr := classify("network inspect", stderr, code, err); !isNotFoundish(kindErr, stderr) {
		return kindErr
	}

	_, stderr, code, err = e.run(ctx, "network", "create",
		"--driver", "bridge",
		"--label", LabelManaged+"=true",
		name)
	if cErr := classify("network create", stderr, code, err); cErr != nil {
		// Lost the race against a concurrent create.
		if strings.Contains(strings.ToLower(stderr), "already exists") {
			return nil
		}
		return cErr
	}
	e.log.Info("created managed network", "network", name)
	return nil
}

// isNotFoundish reports whether the inspect failure just means the
// object is absent rather than the engine being broken.
func isNotFoundish(err error, stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "no such network") ||
		(err != nil && strings.Contains(strings.ToLower(err.Error()), "not found"))
}

// Pull fetches an image.
func (e *CLIEngine) Pull(ctx context.Context, image string) error {
	_, stderr, code, err := e.run(ctx, "pull", image)
	return classify("pull "+image, stderr, code, err)
}

// Create creates a container per the spec and returns its id.
func (e *CLIEngine) Create(ctx context.Context, spec CreateSpec) (string, error) {
	args := []string{"create",
		"--name", ContainerNamePrefix + spec.Service,
		"--label", LabelManaged + "=true",
		"--label", LabelService + "=" + spec.Service,
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, key := range sortedKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	for _, key := range sortedKeys(spec.Environment) {
		args = append(args, "--env", key+"="+spec.Environment[key])
	}
	for _, port := range spec.Ports {
		args = append(args, "--publish", port)
	}
	for _, volume := range spec.Volumes {
		args = append(args, "--volume", volume)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	if spec.Privileged {
		args = append(args, "--privileged")
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.MemoryBytes, 10))
	}
	if spec.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPULimit, 'f', -1, 64))
	}
	if len(spec.Entrypoint) > 0 {
		args = append(args, "--entrypoint", spec.Entrypoint[0])
	}
	args = append(args, spec.Image)
	if len(spec.Entrypoint) > 1 {
		args = append(args, spec.Entrypoint[1:]...)
	}
	args = append(args, spec.Command...)

	stdout, stderr, code, err := e.run(ctx, args...)
	if cErr := classify("create "+spec.Service, stderr, code, err); cErr != nil {
		return "", cErr
	}
	return strings.TrimSpace(stdout), nil
}

// Start starts a container.
func (e *CLIEngine) Start(ctx context.Context, id string) error {
	_, stderr, code, err := e.run(ctx, "start", id)
	return classify("start "+short(id), stderr, code, err)
}

// Stop stops a container with the given grace period.
func (e *CLIEngine) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	// Stop can legitimately take the whole grace period, so it gets its
	// own deadline on top of the operation timeout.
	ctx, cancel := context.WithTimeout(ctx, grace+e.timeout)
	defer cancel()
	_, stderr, code, err := e.proc.Run(ctx, e.binary, "stop", "--time", strconv.Itoa(secs), id)
	return classify("stop "+short(id), stderr, code, err)
}

// Remove deletes a container.
func (e *CLIEngine) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, id)
	_, stderr, code, err := e.run(ctx, args...)
	return classify("remove "+short(id), stderr, code, err)
}

// inspectDoc is the subset of `docker inspect` output the supervisor
// reads.
type inspectDoc struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status     string `json:"Status"`
		ExitCode   int    `json:"ExitCode"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// Inspect returns observed container state.
func (e *CLIEngine) Inspect(ctx context.Context, id string) (*Inspection, error) {
	stdout, stderr, code, err := e.run(ctx, "inspect", id)
	if cErr := classify("inspect "+short(id), stderr, code, err); cErr != nil {
		return nil, cErr
	}

	var docs []inspectDoc
	if err := json.Unmarshal([]byte(stdout), &docs); err != nil || len(docs) == 0 {
		return nil, fmt.Errorf("inspect %s: unparseable output: %v", short(id), err)
	}
	doc := docs[0]

	insp := &Inspection{
		ID:       doc.ID,
		Name:     strings.TrimPrefix(doc.Name, "/"),
		Status:   doc.State.Status,
		ExitCode: doc.State.ExitCode,
		Image:    doc.Config.Image,
		Labels:   doc.Config.Labels,
	}
	insp.StartedAt, _ = time.Parse(time.RFC3339Nano, doc.State.StartedAt)
	insp.FinishedAt, _ = time.Parse(time.RFC3339Nano, doc.State.FinishedAt)
	return insp, nil
}

// statsDoc is one line of `docker stats --no-stream --format {{json .}}`.
type statsDoc struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
}

// Stats returns one resource-usage sample.
func (e *CLIEngine) Stats(ctx context.Context, id string) (*Stats, error) {
	stdout, stderr, code, err := e.run(ctx, "stats", "--no-stream", "--format", "{{json .}}", id)
	if cErr := classify("stats "+short(id), stderr, code, err); cErr != nil {
		return nil, cErr
	}

	var doc statsDoc
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &doc); err != nil {
		return nil, fmt.Errorf("stats %s: unparseable output: %v", short(id), err)
	}

	cpu, err := parsePercent(doc.CPUPerc)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %v", short(id), err)
	}
	used, limit, err := parseMemUsage(doc.MemUsage)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %v", short(id), err)
	}

	return &Stats{
		CPUPercent:    cpu,
		MemBytes:      used,
		MemLimitBytes: limit,
		SampledAt:     time.Now(),
	}, nil
}

// ExecProbe runs the command inside the container.
func (e *CLIEngine) ExecProbe(ctx context.Context, id string, command []string) (*ProbeResult, error) {
	args := append([]string{"exec", id}, command...)

	started := time.Now()
	stdout, stderr, code, err := e.run(ctx, args...)
	latency := time.Since(started)

	if err != nil || strings.Contains(strings.ToLower(stderr), "no such container") ||
		strings.Contains(strings.ToLower(stderr), "is not running") {
		// The probe never reached the application: report as adapter
		// error so the monitor records "unknown" rather than unhealthy.
		return nil, classify("exec probe "+short(id), stderr, code, err)
	}

	out := stdout
	if out == "" {
		out = stderr
	}
	return &ProbeResult{
		OK:       code == 0,
		ExitCode: code,
		Latency:  latency,
		Output:   strings.TrimSpace(out),
	}, nil
}

// Logs returns the container log tail.
func (e *CLIEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	stdout, stderr, code, err := e.run(ctx, "logs", "--tail", strconv.Itoa(tail), "--timestamps", id)
	if cErr := classify("logs "+short(id), stderr, code, err); cErr != nil {
		return "", cErr
	}
	if stdout == "" {
		// Engines write container stderr streams to our stderr.
		return stderr, nil
	}
	return stdout, nil
}

// psDoc is one line of `docker ps --format {{json .}}`.
type psDoc struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

// ListManaged lists every container carrying the managed label.
func (e *CLIEngine) ListManaged(ctx context.Context) ([]Container, error) {
	stdout, stderr, code, err := e.run(ctx, "ps", "--all",
		"--filter", "label="+LabelManaged+"=true",
		"--format", "{{json .}}")
	if cErr := classify("list managed", stderr, code, err); cErr != nil {
		return nil, cErr
	}

	var out []Container
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line == "" {
			continue
		}
		var doc psDoc
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			e.log.Warn("skipping unparseable ps line", "line", line, "error", err)
			continue
		}
		out = append(out, Container{
			ID:      doc.ID,
			Name:    doc.Names,
			Service: labelValue(doc.Labels, LabelService),
			Status:  doc.State,
		})
	}
	return out, nil
}

// labelValue pulls one key out of the comma-joined label string the ps
// format emits.
func labelValue(labels, key string) string {
	for _, pair := range strings.Split(labels, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// short truncates container ids for log and error messages.
func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Engine = (*CLIEngine)(nil)
