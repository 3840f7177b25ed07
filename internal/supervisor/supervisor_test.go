package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/engine"
	"github.com/homie-os/orchestrator/internal/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, eng engine.Engine, specs map[string]config.ServiceSpec) (*Manager, *registry.Registry) {
	t.Helper()
	store, err := registry.OpenStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.NewRegistry(store, discard())
	require.NoError(t, err)
	reg.SetCatalog(specs)

	m := NewManager(Options{
		Registry: reg,
		Engine:   eng,
		Logger:   discard(),
		Reconcile: config.ReconcileConfig{
			BackoffBase:       config.Duration(10 * time.Millisecond),
			BackoffCap:        config.Duration(time.Second),
			RestartsPerMinute: 1000,
		},
	})
	return m, reg
}

func outcomeFor(report *PassReport, service string) (Outcome, string) {
	for _, res := range report.Results {
		if res.Service == service {
			return res.Outcome, res.Reason
		}
	}
	return "", ""
}

func TestReconcileCreatesThenUnchanged(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ := outcomeFor(report, "db")
	assert.Equal(t, OutcomeCreated, out)

	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhaseStarting, st.Phase)
	assert.Equal(t, "mock-db", st.ContainerID)

	// Second pass observes the running container and settles.
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ = outcomeFor(report, "db")
	assert.Equal(t, OutcomeUnchanged, out)
	st, _ = reg.Get("db")
	assert.Equal(t, registry.PhaseRunning, st.Phase)

	// Idempotence: nothing external changed, third pass is a no-op too.
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	for _, res := range report.Results {
		assert.Equal(t, OutcomeUnchanged, res.Outcome, res.Service)
	}
}

func TestDependentDeferredUntilDependencyReady(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db":  {Name: "db", Image: "postgres:16"},
		"web": {Name: "web", Image: "nginx:1.27", DependsOn: []string{"db"}},
	})

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	out, _ := outcomeFor(report, "db")
	assert.Equal(t, OutcomeCreated, out)
	out, reason := outcomeFor(report, "web")
	assert.Equal(t, OutcomeDeferred, out)
	assert.Contains(t, reason, "db")

	st, _ := reg.Get("web")
	assert.Equal(t, registry.PhasePending, st.Phase, "dependent never reaches starting early")

	// db becomes running on the next pass; web starts in the same pass
	// because topological order visits db first.
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ = outcomeFor(report, "web")
	assert.Equal(t, OutcomeCreated, out)
}

func TestDependencyWithHealthCheckNeedsHealthyPhase(t *testing.T) {
	eng := &engine.Mock{}
	specs := map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16",
			Health: &config.HealthCheckSpec{Type: config.ProbeTCP, Endpoint: "localhost:5432"}},
		"web": {Name: "web", Image: "nginx:1.27", DependsOn: []string{"db"}},
	}
	m, reg := newTestManager(t, eng, specs)

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	// db is running but not yet healthy: web stays deferred.
	st, _ := reg.Get("db")
	require.Equal(t, registry.PhaseRunning, st.Phase)
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ := outcomeFor(report, "web")
	assert.Equal(t, OutcomeDeferred, out)

	// A healthy probe verdict unblocks it.
	require.NoError(t, reg.Update("db", func(st *registry.ServiceState) error {
		st.SetPhase(registry.PhaseHealthy)
		return nil
	}))
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ = outcomeFor(report, "web")
	assert.Equal(t, OutcomeCreated, out)
}

func TestUnavailableEngineDegradesWithoutAdvancingState(t *testing.T) {
	eng := &engine.Mock{
		PingFunc: func(ctx context.Context) error { return engine.ErrUnavailable },
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.Empty(t, report.Results)

	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhasePending, st.Phase)
}

func TestExitSchedulesBackoffRestart(t *testing.T) {
	exited := false
	eng := &engine.Mock{
		InspectFunc: func(ctx context.Context, id string) (*engine.Inspection, error) {
			if exited {
				return &engine.Inspection{ID: id, Status: "exited", ExitCode: 1}, nil
			}
			return &engine.Inspection{ID: id, Status: "running"}, nil
		},
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16", RestartPolicy: config.RestartAlways},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	exited = true
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, reason := outcomeFor(report, "db")
	assert.Equal(t, OutcomeDeferred, out)
	assert.Contains(t, reason, "transient")

	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhaseRestarting, st.Phase)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Empty(t, st.ContainerID, "crashed container removed before recreate")
	assert.True(t, st.NextRestartAt.After(time.Now().Add(-time.Second)))

	// Once the backoff delay passes the container is recreated.
	exited = false
	require.Eventually(t, func() bool {
		report, err := m.Reconcile(context.Background())
		require.NoError(t, err)
		out, _ := outcomeFor(report, "db")
		return out == OutcomeRecreated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackoffGrowsAcrossConsecutiveCrashes(t *testing.T) {
	eng := &engine.Mock{
		InspectFunc: func(ctx context.Context, id string) (*engine.Inspection, error) {
			return &engine.Inspection{ID: id, Status: "exited", ExitCode: 137}, nil
		},
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16", RestartPolicy: config.RestartAlways},
	})

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		// Create, then observe the crash.
		require.Eventually(t, func() bool {
			_, err := m.Reconcile(context.Background())
			require.NoError(t, err)
			st, _ := reg.Get("db")
			return st.Phase == registry.PhaseRestarting && st.ConsecutiveFailures == i+1
		}, 5*time.Second, 5*time.Millisecond)

		st, _ := reg.Get("db")
		delays = append(delays, time.Until(st.NextRestartAt))
	}

	// With 25% jitter strict monotonicity is not guaranteed step to
	// step, but the fourth delay must exceed the first.
	assert.Greater(t, delays[3], delays[0])
}

func TestRestartPolicyNever(t *testing.T) {
	eng := &engine.Mock{
		InspectFunc: func(ctx context.Context, id string) (*engine.Inspection, error) {
			return &engine.Inspection{ID: id, Status: "exited", ExitCode: 1}, nil
		},
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"job": {Name: "job", Image: "homie/job:1", RestartPolicy: config.RestartNever},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	st, _ := reg.Get("job")
	assert.Equal(t, registry.PhaseStopped, st.Phase)
	assert.NotEmpty(t, st.ContainerID, "stopped container kept for log inspection")

	// And it stays stopped.
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ := outcomeFor(report, "job")
	assert.Equal(t, OutcomeUnchanged, out)
}

func TestRestartPolicyOnFailureCleanExit(t *testing.T) {
	eng := &engine.Mock{
		InspectFunc: func(ctx context.Context, id string) (*engine.Inspection, error) {
			return &engine.Inspection{ID: id, Status: "exited", ExitCode: 0}, nil
		},
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"job": {Name: "job", Image: "homie/job:1", RestartPolicy: config.RestartOnFailure},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	st, _ := reg.Get("job")
	assert.Equal(t, registry.PhaseStopped, st.Phase)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestImagePullFailureIsBounded(t *testing.T) {
	pulls := 0
	eng := &engine.Mock{
		PullFunc: func(ctx context.Context, image string) error {
			pulls++
			return engine.ErrImagePull
		},
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "homie/missing:1"},
	})

	require.Eventually(t, func() bool {
		_, err := m.Reconcile(context.Background())
		require.NoError(t, err)
		st, _ := reg.Get("db")
		return st.Phase == registry.PhaseFailed && st.FailedAttempts >= 3
	}, 5*time.Second, 10*time.Millisecond)

	// Further passes stop retrying.
	before := pulls
	for i := 0; i < 3; i++ {
		report, err := m.Reconcile(context.Background())
		require.NoError(t, err)
		out, reason := outcomeFor(report, "db")
		assert.Equal(t, OutcomeUnchanged, out)
		assert.Contains(t, reason, "structural")
	}
	assert.Equal(t, before, pulls)

	st, _ := reg.Get("db")
	assert.Contains(t, st.LastError, "structural")
}

func TestQuarantinedServiceLeftUntouched(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	require.NoError(t, m.Quarantine("db", "flapping"))
	st, _ := reg.Get("db")
	require.Equal(t, registry.PhaseQuarantined, st.Phase)

	callsBefore := len(eng.Calls())
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, reason := outcomeFor(report, "db")
	assert.Equal(t, OutcomeUnchanged, out)
	assert.Contains(t, reason, "quarantined")

	// Only the pass-level ping and discovery touched the engine.
	perService := 0
	for _, call := range eng.Calls()[callsBefore:] {
		if call != "ping" && call != "ensure-network homie" && call != "list-managed" {
			perService++
		}
	}
	assert.Zero(t, perService)

	// MarkGood is the only way out.
	require.NoError(t, m.MarkGood("db"))
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ = outcomeFor(report, "db")
	assert.Equal(t, OutcomeCreated, out)
}

func TestDisableRemovesContainer(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Disable("db"))
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ := outcomeFor(report, "db")
	assert.Equal(t, OutcomeRemoved, out)

	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhaseStopped, st.Phase)
	assert.Empty(t, st.ContainerID)

	require.NoError(t, m.Enable("db"))
	report, err = m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ = outcomeFor(report, "db")
	assert.Equal(t, OutcomeCreated, out)
}

func TestSpecDriftRecreates(t *testing.T) {
	eng := &engine.Mock{}
	specs := map[string]config.ServiceSpec{
		"web": {Name: "web", Image: "nginx:1.27"},
	}
	m, reg := newTestManager(t, eng, specs)

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	updated := specs["web"]
	updated.Image = "nginx:1.28"
	reg.SetCatalog(map[string]config.ServiceSpec{"web": updated})

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, reason := outcomeFor(report, "web")
	assert.Equal(t, OutcomeRecreated, out)
	assert.Contains(t, reason, "spec changed")

	calls := eng.Calls()
	assert.Contains(t, calls, "remove mock-web")
	assert.Contains(t, calls, "pull nginx:1.28")
}

func TestOrphanedSpecTornDown(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"old": {Name: "old", Image: "homie/old:1"},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	reg.SetCatalog(map[string]config.ServiceSpec{})
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ := outcomeFor(report, "old")
	assert.Equal(t, OutcomeRemoved, out)

	_, ok := reg.Get("old")
	assert.False(t, ok)
}

func TestDependencyCycleFailsWholeBatch(t *testing.T) {
	eng := &engine.Mock{}
	m, _ := newTestManager(t, eng, map[string]config.ServiceSpec{
		"a": {Name: "a", Image: "x:1", DependsOn: []string{"b"}},
		"b": {Name: "b", Image: "x:1", DependsOn: []string{"a"}},
	})

	_, err := m.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrDependencyCycle)
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")

	for _, call := range eng.Calls() {
		assert.NotContains(t, call, "create", "no service may start")
	}
}

func TestPauseAndResumeForBackup(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.PauseForBackup(context.Background(), "db"))
	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhasePausedForBackup, st.Phase)
	assert.Contains(t, eng.Calls(), "stop mock-db")

	// Reconciliation does not "fix" a paused service.
	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, reason := outcomeFor(report, "db")
	assert.Equal(t, OutcomeUnchanged, out)
	assert.Contains(t, reason, "paused")

	require.NoError(t, m.ResumeFromBackup(context.Background(), "db"))
	st, _ = reg.Get("db")
	assert.Equal(t, registry.PhaseStarting, st.Phase)
	assert.Contains(t, eng.Calls(), "start mock-db")
}

func TestHealthVerdictsDrivePhases(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16",
			Health: &config.HealthCheckSpec{Type: config.ProbeTCP, Endpoint: "localhost:5432"}},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	m.handleRequest(context.Background(), request{kind: reqMarkHealthy, service: "db"})
	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhaseHealthy, st.Phase)
	assert.False(t, st.HealthySince.IsZero())

	m.handleRequest(context.Background(), request{kind: reqMarkUnhealthy, service: "db", reason: "probe failed"})
	st, _ = reg.Get("db")
	assert.Equal(t, registry.PhaseUnhealthy, st.Phase)
	assert.True(t, st.HealthySince.IsZero())
}

func TestRestartRequestTearsDownAndRecreates(t *testing.T) {
	eng := &engine.Mock{}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	_, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	m.handleRequest(context.Background(), request{kind: reqRestart, service: "db", reason: "sustained failure"})
	st, _ := reg.Get("db")
	assert.Equal(t, registry.PhaseRestarting, st.Phase)
	assert.Empty(t, st.ContainerID)
	assert.Equal(t, 1, st.RestartCount)

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	out, _ := outcomeFor(report, "db")
	assert.Equal(t, OutcomeRecreated, out)
}

func TestDiscoveryAdoptsExistingContainer(t *testing.T) {
	eng := &engine.Mock{
		ListManagedFunc: func(ctx context.Context) ([]engine.Container, error) {
			return []engine.Container{
				{ID: "existing-1", Name: "homie_db", Service: "db", Status: "running"},
			}, nil
		},
		InspectFunc: func(ctx context.Context, id string) (*engine.Inspection, error) {
			return &engine.Inspection{ID: id, Status: "running",
				Labels: map[string]string{engine.LabelSpecHash: "stale"}}, nil
		},
	}
	m, reg := newTestManager(t, eng, map[string]config.ServiceSpec{
		"db": {Name: "db", Image: "postgres:16"},
	})

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	// Adopted, then recreated in the same pass because the stored spec
	// hash does not match the current spec.
	out, _ := outcomeFor(report, "db")
	assert.Equal(t, OutcomeRecreated, out)
	st, _ := reg.Get("db")
	assert.NotEqual(t, "existing-1", st.ContainerID)
}

func TestEventsPublishedOnPhaseChange(t *testing.T) {
	var events []Event
	sink := sinkFunc(func(ev Event) { events = append(events, ev) })

	eng := &engine.Mock{}
	store, err := registry.OpenStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reg, err := registry.NewRegistry(store, discard())
	require.NoError(t, err)
	reg.SetCatalog(map[string]config.ServiceSpec{"db": {Name: "db", Image: "postgres:16"}})

	m := NewManager(Options{Registry: reg, Engine: eng, Logger: discard(), Events: sink})
	_, err = m.Reconcile(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, EventPhaseChange, events[0].Type)
	assert.Equal(t, "db", events[0].Service)
	assert.Equal(t, registry.PhaseStarting, events[0].Phase)
}

type sinkFunc func(Event)

func (f sinkFunc) Publish(ev Event) { f(ev) }

func TestUnknownServiceCommandsRejected(t *testing.T) {
	eng := &engine.Mock{}
	m, _ := newTestManager(t, eng, map[string]config.ServiceSpec{})

	assert.ErrorIs(t, m.Enable("nope"), registry.ErrUnknownService)
	assert.ErrorIs(t, m.Restart("nope"), registry.ErrUnknownService)
	assert.ErrorIs(t, m.MarkGood("nope"), registry.ErrUnknownService)
}
