package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type alwaysOnFlags struct{}

func (alwaysOnFlags) IsEnabled(string) bool { return true }

type alwaysOffFlags struct{}

func (alwaysOffFlags) IsEnabled(string) bool { return false }

func TestBackoffRules_Delay(t *testing.T) {
	r := BackoffRules{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, time.Duration(0), r.delay(0))
	assert.Equal(t, time.Second, r.delay(1))
	assert.Equal(t, 2*time.Second, r.delay(2))
	assert.Equal(t, 4*time.Second, r.delay(3))
	assert.Equal(t, 10*time.Second, r.delay(10)) // capped at MaxBackoff
}

func TestTimeOfDay_NextOccurrence_TodayWhenFuture(t *testing.T) {
	tod := TimeOfDay{Hour: 14, Minute: 0}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := tod.nextOccurrence(now)
	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), next)
}

func TestTimeOfDay_NextOccurrence_TomorrowWhenPast(t *testing.T) {
	tod := TimeOfDay{Hour: 2, Minute: 0}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := tod.nextOccurrence(now)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), next)
}

func TestRunPeriodic_RunsBodyAfterStartupDelay(t *testing.T) {
	s := New(alwaysOnFlags{}, zap.NewNop())
	var runs int32

	done := make(chan struct{})
	s.RunPeriodic(context.Background(), PeriodicJob{
		Name:     "test",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}, done)

	time.Sleep(50 * time.Millisecond)
	s.Shutdown()
	<-done

	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(1))
}

func TestRunPeriodic_SkipsBodyWhenFeatureDisabled(t *testing.T) {
	s := New(alwaysOffFlags{}, zap.NewNop())
	var runs int32

	done := make(chan struct{})
	s.RunPeriodic(context.Background(), PeriodicJob{
		Name:     "test",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}, done)

	time.Sleep(50 * time.Millisecond)
	s.Shutdown()
	<-done

	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestRunPeriodic_BacksOffOnConsecutiveFailures(t *testing.T) {
	s := New(alwaysOnFlags{}, zap.NewNop())
	var runs int32

	done := make(chan struct{})
	s.RunPeriodic(context.Background(), PeriodicJob{
		Name:     "test",
		Interval: time.Millisecond,
		Backoff:  BackoffRules{BaseBackoff: time.Hour, MaxBackoff: time.Hour},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("fail")
		},
	}, done)

	time.Sleep(50 * time.Millisecond)
	s.Shutdown()
	<-done

	// With an hour-long backoff after the first failure, the body should
	// have run only once within the test window.
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestRunPeriodic_GivesUpAfterMaxConsecutiveFailures(t *testing.T) {
	s := New(alwaysOnFlags{}, zap.NewNop())
	var runs int32

	done := make(chan struct{})
	s.RunPeriodic(context.Background(), PeriodicJob{
		Name:     "test",
		Interval: time.Millisecond,
		Backoff:  BackoffRules{BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxConsecutiveFailures: 3},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return errors.New("fail")
		},
	}, done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not give up after exceeding MaxConsecutiveFailures")
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
}

func TestShutdown_StopsJobPromptly(t *testing.T) {
	s := New(alwaysOnFlags{}, zap.NewNop())
	done := make(chan struct{})
	s.RunPeriodic(context.Background(), PeriodicJob{
		Name:     "test",
		Interval: time.Hour,
		Run:      func(ctx context.Context) error { return nil },
	}, done)

	s.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not stop promptly after shutdown")
	}
}
