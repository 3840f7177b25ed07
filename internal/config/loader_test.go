package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
data_dir: /tmp/homie-test
runtime:
  binary: docker
  network: homie_test
services:
  postgres:
    image: postgres:16
    restart_policy: always
    environment:
      POSTGRES_PASSWORD: secret
    ports: ["5432:5432"]
    volumes: ["/tmp/homie-test/pg:/var/lib/postgresql/data"]
    health:
      type: tcp
      endpoint: "127.0.0.1:5432"
      interval: 10s
      timeout: 3s
  app:
    image: homie/app:1.2
    depends_on: [postgres]
    memory_limit: 512m
    cpu_limit: 1.5
    health:
      type: http
      endpoint: "http://127.0.0.1:8080/healthz"
tasks:
  nightly-backup:
    kind: backup
    schedule: "0 2 * * *"
    services: [postgres]
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	pg := cfg.Services["postgres"]
	assert.Equal(t, "postgres", pg.Name)
	assert.Equal(t, RestartAlways, pg.RestartPolicy)
	assert.Equal(t, 10*time.Second, pg.Health.Interval.Std())
	assert.Equal(t, DefaultFailureThreshold, pg.Health.FailureThreshold)

	app := cfg.Services["app"]
	assert.Equal(t, RestartUnlessStopped, app.RestartPolicy, "restart policy defaults")
	assert.Equal(t, DefaultProbeInterval, app.Health.Interval.Std())
	bytes, err := app.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), bytes)

	task := cfg.Tasks["nightly-backup"]
	assert.Equal(t, "nightly-backup", task.ID)
	assert.Equal(t, DefaultTaskWeight, task.Weight)
	assert.Equal(t, DefaultTaskTimeout, task.Timeout.Std())
}

func TestEngineDefaults(t *testing.T) {
	cfg, err := Parse([]byte("services:\n  a:\n    image: img\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultRuntimeBinary, cfg.Runtime.Binary)
	assert.Equal(t, DefaultNetwork, cfg.Runtime.Network)
	assert.Equal(t, DefaultReconcileEvery, cfg.Reconcile.Interval.Std())
	assert.Equal(t, DefaultBackoffBase, cfg.Reconcile.BackoffBase.Std())
	assert.Equal(t, DefaultBackoffCap, cfg.Reconcile.BackoffCap.Std())
	assert.Equal(t, DefaultFlapThreshold, cfg.Monitor.FlapThreshold)
	assert.Equal(t, DefaultFlapWindow, cfg.Monitor.FlapWindow.Std())
	assert.Equal(t, DefaultSchedulerBudget, cfg.Scheduler.Budget)
	assert.Equal(t, "/var/lib/homie/backups", cfg.Backup.Dir)

	// Default maintenance tasks appear when none are declared.
	assert.Contains(t, cfg.Tasks, "health-sweep")
	assert.Contains(t, cfg.Tasks, "backup")
	assert.Contains(t, cfg.Tasks, "cleanup")
}

func TestRejectUnknownDependency(t *testing.T) {
	_, err := Parse([]byte(`
services:
  app:
    image: img
    depends_on: [ghost]
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDependency)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRejectDependencyCycle(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
    depends_on: [b]
  b:
    image: img
    depends_on: [a]
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyCycle)
	// Both members of the cycle must be named.
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestRejectSelfDependency(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
    depends_on: [a]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestRejectBadRestartPolicy(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
    restart_policy: sometimes
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRejectUnsafeRuntimeArguments(t *testing.T) {
	for name, doc := range map[string]string{
		"flag-like image": `
services:
  a:
    image: "--entrypoint=/bin/sh"
`,
		"uppercase service name": `
services:
  Web:
    image: img
`,
		"relative volume": `
services:
  a:
    image: img
    volumes: ["data:/var/lib/data"]
`,
		"env key with equals": `
services:
  a:
    image: img
    environment:
      "BAD=KEY": x
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRejectProbeWithoutEndpoint(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
    health:
      type: http
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestRejectProbeTimeoutAboveInterval(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
    health:
      type: tcp
      endpoint: "127.0.0.1:80"
      interval: 5s
      timeout: 10s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRejectUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
    restart_polcy: always
`))
	require.Error(t, err, "typo in a known key must be rejected")
}

func TestRejectTaskWithoutTrigger(t *testing.T) {
	_, err := Parse([]byte(`
services:
  a:
    image: img
tasks:
  limbo:
    kind: backup
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither schedule nor after")
}

func TestTaskAfterChains(t *testing.T) {
	cfg, err := Parse([]byte(`
services:
  a:
    image: img
tasks:
  backup:
    kind: backup
    schedule: "0 2 * * *"
  verify:
    kind: backup-cleanup
    after: backup
`))
	require.NoError(t, err)
	assert.Equal(t, "backup", cfg.Tasks["verify"].After)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"2d", 48 * time.Hour, false},
		{"xd", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"1024", 1024},
		{"4k", 4 * 1024},
		{"512m", 512 * 1024 * 1024},
		{"2g", 2 * 1024 * 1024 * 1024},
		{"2G", 2 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}

	_, err := ParseByteSize("lots")
	assert.Error(t, err)
}
