package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() SagaConfig {
	return SagaConfig{
		StepTimeout:         time.Second,
		CompensationTimeout: time.Second,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSagaExecutesInOrder(t *testing.T) {
	var order []string
	saga := NewSaga(testConfig())
	for _, name := range []string{"one", "two", "three"} {
		name := name
		saga.AddStep(SagaStep{
			Name:    name,
			Execute: func(ctx context.Context) error { order = append(order, name); return nil },
		})
	}

	require.NoError(t, saga.Execute(context.Background()))
	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.Empty(t, saga.CompensationErrors())
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	var undone []string
	boom := errors.New("boom")

	saga := NewSaga(testConfig())
	saga.AddStep(SagaStep{
		Name:       "pause-db",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { undone = append(undone, "resume-db"); return nil },
	})
	saga.AddStep(SagaStep{
		Name:       "pause-web",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { undone = append(undone, "resume-web"); return nil },
	})
	saga.AddStep(SagaStep{
		Name:    "snapshot",
		Execute: func(ctx context.Context) error { return boom },
	})

	err := saga.Execute(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "snapshot")
	assert.Equal(t, []string{"resume-web", "resume-db"}, undone)
}

func TestSagaCompensatesOnCancelledContext(t *testing.T) {
	var resumed bool

	ctx, cancel := context.WithCancel(context.Background())
	saga := NewSaga(testConfig())
	saga.AddStep(SagaStep{
		Name:       "pause",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { resumed = true; return nil },
	})
	saga.AddStep(SagaStep{
		Name:    "snapshot",
		Execute: func(stepCtx context.Context) error { cancel(); return stepCtx.Err() },
	})

	err := saga.Execute(ctx)
	require.Error(t, err)
	// Resume must run even though the caller's context is dead.
	assert.True(t, resumed)
}

func TestSagaRecordsCompensationFailures(t *testing.T) {
	saga := NewSaga(testConfig())
	saga.AddStep(SagaStep{
		Name:       "pause",
		Execute:    func(ctx context.Context) error { return nil },
		Compensate: func(ctx context.Context) error { return errors.New("resume failed") },
	})
	saga.AddStep(SagaStep{
		Name:    "snapshot",
		Execute: func(ctx context.Context) error { return errors.New("disk full") },
	})

	require.Error(t, saga.Execute(context.Background()))
	require.Len(t, saga.CompensationErrors(), 1)
	assert.Contains(t, saga.CompensationErrors()[0].Error(), "pause")
}

func TestSagaStepTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond

	saga := NewSaga(cfg)
	saga.AddStep(SagaStep{
		Name: "stuck",
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	err := saga.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
}

func TestSagaReset(t *testing.T) {
	saga := NewSaga(testConfig())
	saga.AddStep(SagaStep{
		Name:    "fail",
		Execute: func(ctx context.Context) error { return errors.New("nope") },
	})
	require.Error(t, saga.Execute(context.Background()))

	saga.Reset()
	require.NoError(t, saga.Execute(context.Background()))

	var ran bool
	saga.AddStep(SagaStep{
		Name:    "ok",
		Execute: func(ctx context.Context) error { ran = true; return nil },
	})
	require.NoError(t, saga.Execute(context.Background()))
	assert.True(t, ran)
}

func TestBackoffMonotonicUpToCap(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 5 * time.Minute, Multiplier: 2, Jitter: 0}

	var prev time.Duration
	for attempt := 0; attempt < 12; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 5*time.Minute)
		prev = d
	}
	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 5*time.Minute, b.Delay(11))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := Backoff{Base: 4 * time.Second, Cap: time.Hour, Multiplier: 2, Jitter: 0.25}

	for i := 0; i < 200; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff // zero value falls back to defaults
	d := b.Delay(0)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 5*time.Minute)
	assert.Equal(t, 5*time.Minute, b.MaxDelay())
}
