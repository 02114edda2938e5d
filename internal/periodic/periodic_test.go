package periodic_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/image_toolkit/internal/periodic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runInBackground(ctx context.Context, interval time.Duration, immediate bool, task periodic.Task) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		periodic.Run(ctx, "test", interval, immediate, task)
	}()

	return done
}

func TestRun_ImmediateThenPeriodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	done := runInBackground(ctx, 10*time.Millisecond, true, func(ctx context.Context) error {
		calls.Add(1)

		return nil
	})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_NotImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	done := runInBackground(ctx, time.Hour, false, func(ctx context.Context) error {
		calls.Add(1)

		return nil
	})

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(0), calls.Load())
}

func TestRun_SurvivesErrorsAndPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	done := runInBackground(ctx, 5*time.Millisecond, true, func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("bad file")
		case 2:
			return errors.New("disk unavailable")
		default:
			return nil
		}
	})

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
