package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRunsTask(t *testing.T) {
	e := NewExecutor(context.Background(), 2)

	done := make(chan struct{})
	assert.True(t, e.Go("test", func(ctx context.Context) error {
		close(done)
		return nil
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	require.NoError(t, e.Shutdown(time.Second))
}

func TestGoDropsWhenSaturated(t *testing.T) {
	e := NewExecutor(context.Background(), 1)

	release := make(chan struct{})
	require.True(t, e.Go("blocker", func(ctx context.Context) error {
		<-release
		return nil
	}))
	assert.False(t, e.Go("dropped", func(ctx context.Context) error { return nil }))

	close(release)
	require.NoError(t, e.Shutdown(time.Second))
}

func TestGoSwallowsErrorsAndPanics(t *testing.T) {
	e := NewExecutor(context.Background(), 2)

	e.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	e.Go("panics", func(ctx context.Context) error { panic("boom") })

	require.NoError(t, e.Shutdown(time.Second))
}

func TestGoAfterShutdown(t *testing.T) {
	e := NewExecutor(context.Background(), 2)
	require.NoError(t, e.Shutdown(time.Second))

	assert.False(t, e.Go("late", func(ctx context.Context) error { return nil }))
}

func TestEveryRunsAtStartAndOnTick(t *testing.T) {
	e := NewExecutor(context.Background(), 2)

	var runs atomic.Int32
	e.Every("tick", 20*time.Millisecond, true, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Shutdown(time.Second))

	stopped := runs.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestEveryWithoutRunAtStart(t *testing.T) {
	e := NewExecutor(context.Background(), 2)

	var runs atomic.Int32
	e.Every("tick", time.Hour, false, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
	require.NoError(t, e.Shutdown(time.Second))
}

func TestShutdownTimeout(t *testing.T) {
	e := NewExecutor(context.Background(), 1)

	release := make(chan struct{})
	defer close(release)
	e.Go("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})

	assert.ErrorIs(t, e.Shutdown(20*time.Millisecond), ErrShutdownTimeout)
}
