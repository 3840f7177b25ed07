// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package process abstracts external process execution.

All exec.Command calls in the runtime adapter go through the Manager
interface so container-engine interactions can be mocked in unit tests.
Direct exec calls are not testable; behind an interface we can capture
invocations and simulate failure modes without real processes.
*/
package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
)

// Manager runs external commands.
//
// # Description
//
// The single production implementation shells out via os/exec. Commands
// are expected to be short-lived; long-running containers are managed
// by the container engine, not by this package.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Manager interface {
	// Run executes a command and waits for it.
	//
	// # Outputs
	//
	//   - stdout: Captured standard output.
	//   - stderr: Captured standard error.
	//   - exitCode: The process exit code. Valid whenever err is nil.
	//   - err: Non-nil only when the command could not be started or the
	//     context expired. A nonzero exit is NOT an error here; callers
	//     decide what an exit code means.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// RunWithInput is Run with data piped to stdin.
	RunWithInput(ctx context.Context, name string, input []byte, args ...string) (stdout, stderr string, exitCode int, err error)
}

// DefaultManager implements Manager using os/exec.
type DefaultManager struct{}

// NewDefaultManager returns the production Manager.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes a command synchronously.
func (m *DefaultManager) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	return m.run(ctx, name, nil, args...)
}

// RunWithInput executes a command with data piped to stdin.
func (m *DefaultManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) (string, string, int, error) {
	return m.run(ctx, name, input, args...)
}

func (m *DefaultManager) run(ctx context.Context, name string, input []byte, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The process ran and exited nonzero. Context expiry shows up
			// here too on some platforms, so check it first.
			if ctx.Err() != nil {
				return stdout.String(), stderr.String(), exitErr.ExitCode(), ctx.Err()
			}
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(), -1, ctx.Err()
		}
		return stdout.String(), stderr.String(), -1, err
	}

	return stdout.String(), stderr.String(), 0, nil
}

var _ Manager = (*DefaultManager)(nil)

// =============================================================================
// Mock
// =============================================================================

// Call records one invocation seen by MockManager.
type Call struct {
	Name  string
	Args  []string
	Input []byte
}

// MockManager implements Manager with func fields for tests.
//
// Unset fields behave as a successful command with empty output. Every
// invocation is recorded and can be inspected with Calls().
type MockManager struct {
	RunFunc          func(ctx context.Context, name string, args ...string) (string, string, int, error)
	RunWithInputFunc func(ctx context.Context, name string, input []byte, args ...string) (string, string, int, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Run dispatches to RunFunc or succeeds with empty output.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	m.record(Call{Name: name, Args: args})
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return "", "", 0, nil
}

// RunWithInput dispatches to RunWithInputFunc, falling back to RunFunc.
func (m *MockManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) (string, string, int, error) {
	m.record(Call{Name: name, Args: args, Input: input})
	if m.RunWithInputFunc != nil {
		return m.RunWithInputFunc(ctx, name, input, args...)
	}
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return "", "", 0, nil
}

// Calls returns the recorded invocations in order.
func (m *MockManager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CommandLines renders recorded calls as space-joined strings, which
// makes test assertions on the docker CLI invocation order readable.
func (m *MockManager) CommandLines() []string {
	calls := m.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = strings.Join(append([]string{c.Name}, c.Args...), " ")
	}
	return lines
}

var _ Manager = (*MockManager)(nil)
