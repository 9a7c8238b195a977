package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFuncFiresInDeadlineOrder(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	var got []string
	s.AfterFunc(3*time.Second, func() { got = append(got, "c") })
	s.AfterFunc(1*time.Second, func() { got = append(got, "a") })
	s.AfterFunc(1*time.Second, func() { got = append(got, "b") })

	assert.Equal(t, 0, s.RunDue())

	fc.Advance(2 * time.Second)
	assert.Equal(t, 2, s.RunDue())
	assert.Equal(t, []string{"a", "b"}, got)

	fc.Advance(time.Second)
	s.RunDue()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, s.Pending())
}

func TestStopPreventsFire(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	fired := false
	tm := s.AfterFunc(time.Second, func() { fired = true })
	assert.True(t, tm.Active())
	assert.Equal(t, time.Second, tm.Remaining())

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())

	fc.Advance(time.Minute)
	s.RunDue()
	assert.False(t, fired)

	var nilTimer *Timer
	assert.False(t, nilTimer.Stop())
	assert.Zero(t, nilTimer.Remaining())
}

func TestCallbackCanCancelLaterTimer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	var later *Timer
	laterFired := false
	s.AfterFunc(time.Second, func() { later.Stop() })
	later = s.AfterFunc(2*time.Second, func() { laterFired = true })

	fc.Advance(5 * time.Second)
	assert.Equal(t, 1, s.RunDue())
	assert.False(t, laterFired)
}

func TestEveryRepeatsUntilStopped(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	count := 0
	tm := s.Every(5*time.Second, func() { count++ })

	fc.Advance(4 * time.Second)
	s.RunDue()
	assert.Equal(t, 0, count)

	fc.Advance(time.Second)
	s.RunDue()
	assert.Equal(t, 1, count)

	fc.Advance(10 * time.Second)
	s.RunDue()
	assert.Equal(t, 3, count)
	assert.Equal(t, 5*time.Second, tm.Remaining())

	tm.Stop()
	fc.Advance(time.Minute)
	s.RunDue()
	assert.Equal(t, 3, count)
}

func TestEveryStoppedFromOwnCallback(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)

	count := 0
	var tm *Timer
	tm = s.Every(time.Second, func() {
		count++
		tm.Stop()
	})

	fc.Advance(10 * time.Second)
	s.RunDue()
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, s.Pending())
}

func TestPostRunsInOrderAndDrainsNested(t *testing.T) {
	s := New(clockwork.NewFakeClock())

	var got []int
	require.NoError(t, s.Post(func() {
		got = append(got, 1)
		_ = s.Post(func() { got = append(got, 3) })
	}))
	require.NoError(t, s.Post(func() { got = append(got, 2) }))

	assert.Equal(t, 3, s.RunPending())
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestStopRejectsPostsAndClearsTimers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	s := New(fc)
	s.AfterFunc(time.Second, func() { t.Fatal("timer fired after stop") })

	s.Stop()

	assert.ErrorIs(t, s.Post(func() {}), ErrStopped)
	assert.Equal(t, 0, s.Pending())
	fc.Advance(time.Hour)
	s.RunDue()
}

func TestRunProcessesPostsAndTimers(t *testing.T) {
	s := New(clockwork.NewRealClock())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fired := make(chan struct{})
	require.NoError(t, s.Post(func() {
		s.AfterFunc(10*time.Millisecond, func() { close(fired) })
	}))

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("timer never fired")
	}

	s.Stop()
	require.NoError(t, <-done)
}
