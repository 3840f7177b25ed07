// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/engine"
)

// Prober executes one health check and returns a sample. The sample's
// status is unknown when the probe could not run at all.
type Prober interface {
	Probe(ctx context.Context, containerID string, spec config.HealthCheckSpec) Sample
}

// DefaultProber implements the three probe types: HTTP GET, TCP dial,
// and in-container exec.
type DefaultProber struct {
	engine engine.Engine
	client *http.Client
	dialer *net.Dialer
}

// NewProber builds the production prober.
func NewProber(eng engine.Engine) *DefaultProber {
	return &DefaultProber{
		engine: eng,
		client: &http.Client{
			// Per-probe deadlines come from the probe spec's context.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		dialer: &net.Dialer{},
	}
}

// Probe runs the configured check with its timeout applied.
func (p *DefaultProber) Probe(ctx context.Context, containerID string, spec config.HealthCheckSpec) Sample {
	timeout := spec.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var sample Sample
	switch spec.Type {
	case config.ProbeHTTP:
		sample = p.probeHTTP(ctx, spec.Endpoint)
	case config.ProbeTCP:
		sample = p.probeTCP(ctx, spec.Endpoint)
	case config.ProbeExec:
		sample = p.probeExec(ctx, containerID, spec.Command)
	default:
		sample = Sample{Status: StatusUnknown, Detail: "unknown probe type " + string(spec.Type)}
	}
	sample.Time = time.Now()
	sample.Latency = time.Since(start)
	return sample
}

func (p *DefaultProber) probeHTTP(ctx context.Context, endpoint string) Sample {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Sample{Status: StatusUnknown, Detail: "bad endpoint: " + err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Sample{Status: StatusUnknown, Detail: "probe timeout"}
		}
		// Connection refused means the application answered the wire
		// with a rejection: the container is there, the app is not.
		return Sample{Status: StatusUnhealthy, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return Sample{Status: StatusHealthy}
	}
	return Sample{Status: StatusUnhealthy, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
}

func (p *DefaultProber) probeTCP(ctx context.Context, endpoint string) Sample {
	conn, err := p.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return Sample{Status: StatusUnknown, Detail: "probe timeout"}
		}
		return Sample{Status: StatusUnhealthy, Detail: err.Error()}
	}
	_ = conn.Close()
	return Sample{Status: StatusHealthy}
}

func (p *DefaultProber) probeExec(ctx context.Context, containerID string, command []string) Sample {
	if containerID == "" {
		return Sample{Status: StatusUnknown, Detail: "no container"}
	}
	res, err := p.engine.ExecProbe(ctx, containerID, command)
	if err != nil {
		return Sample{Status: StatusUnknown, Detail: err.Error()}
	}
	if res.OK {
		return Sample{Status: StatusHealthy, Detail: res.Output}
	}
	return Sample{Status: StatusUnhealthy,
		Detail: fmt.Sprintf("exit %d: %s", res.ExitCode, res.Output)}
}

var _ Prober = (*DefaultProber)(nil)
