package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomshare/internal/logging"
)

func TestAddRejectsBadJobs(t *testing.T) {
	s := New(logging.Discard())
	assert.Error(t, s.Add(Job{Name: "", Schedule: "@every 1s", Run: func(context.Context) {}}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "@every 1s"}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "not a schedule", Run: func(context.Context) {}}))

	require.NoError(t, s.Add(Job{Name: "x", Schedule: "@every 1m", Run: func(context.Context) {}}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "@every 1m", Run: func(context.Context) {}}))
}

func TestRunNow(t *testing.T) {
	s := New(logging.Discard())
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "rooms", Schedule: "@every 1h", Run: func(context.Context) { calls.Add(1) }}))

	assert.True(t, s.RunNow("rooms"))
	assert.False(t, s.RunNow("missing"))
	assert.Equal(t, int32(1), calls.Load())

	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, uint64(1), st[0].Runs)
	assert.False(t, st[0].LastRun.IsZero())
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	s := New(logging.Discard())
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "slow", Schedule: "@every 1h", Run: func(context.Context) {
		close(entered)
		<-release
	}}))

	done := make(chan bool)
	go func() { done <- s.RunNow("slow") }()
	<-entered
	assert.False(t, s.RunNow("slow"))
	close(release)
	assert.True(t, <-done)

	st := s.Statuses()[0]
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, uint64(1), st.Skipped)
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(logging.Discard())
	require.NoError(t, s.Add(Job{Name: "boom", Schedule: "@every 1h", Run: func(context.Context) { panic("boom") }}))
	assert.True(t, s.RunNow("boom"))
	assert.Equal(t, uint64(1), s.Statuses()[0].Panics)
	assert.True(t, s.RunNow("boom"), "job is runnable again after a panic")
}

func TestScheduledRunsAndStop(t *testing.T) {
	s := New(logging.Discard())
	var calls atomic.Int32
	var sawCancel atomic.Bool
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "* * * * * *", Run: func(ctx context.Context) {
		calls.Add(1)
	}}))
	require.NoError(t, s.Add(Job{Name: "watch", Schedule: "@every 1h", Run: func(ctx context.Context) {
		<-ctx.Done()
		sawCancel.Store(true)
	}}))
	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	go s.RunNow("watch")
	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Eventually(t, sawCancel.Load, time.Second, 10*time.Millisecond)
}
