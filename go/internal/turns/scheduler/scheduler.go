// Package scheduler runs every callback of one session on a single goroutine:
// posted closures from the network side and timer callbacks from the turn and
// liveness logic never run concurrently with each other.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by Post after Stop.
var ErrStopped = errors.New("scheduler stopped")

const idlePollDuration = 5 * time.Second

type entry struct {
	id       uint64
	deadline time.Time
	period   time.Duration
	fn       func()
}

// Scheduler is a mailbox plus a set of virtual timers driven by a clockwork
// clock. Post, AfterFunc, Every and Timer.Stop are safe from any goroutine;
// callbacks only run inside RunPending, RunDue or Run.
type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	queue   []func()
	timers  map[uint64]*entry
	nextID  uint64
	stopped bool

	wakeCh chan struct{}
}

// New creates a scheduler. Pass clockwork.NewRealClock() in production and a
// fake clock in tests.
func New(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:  clock,
		timers: make(map[uint64]*entry),
		wakeCh: make(chan struct{}, 1),
	}
}

// Clock returns the clock driving the timers.
func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Now is shorthand for Clock().Now().
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Post queues fn to run on the loop goroutine.
func (s *Scheduler) Post(fn func()) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.wake()
	return nil
}

// AfterFunc arms a one-shot timer.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) *Timer {
	return s.arm(d, 0, fn)
}

// Every arms a repeating timer whose first fire is one period from now. A
// non-positive period is raised to one millisecond.
func (s *Scheduler) Every(period time.Duration, fn func()) *Timer {
	if period <= 0 {
		period = time.Millisecond
	}
	return s.arm(period, period, fn)
}

func (s *Scheduler) arm(d, period time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.nextID++
	e := &entry{id: s.nextID, deadline: s.clock.Now().Add(d), period: period, fn: fn}
	if !s.stopped {
		s.timers[e.id] = e
	}
	s.mu.Unlock()
	s.wake()
	return &Timer{s: s, id: e.id}
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RunPending runs queued closures, including any they post, and returns how
// many ran.
func (s *Scheduler) RunPending() int {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return ran
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
		ran++
	}
}

// RunDue fires every timer whose deadline has passed, earliest first, and
// drains the mailbox after each callback. It returns how many timers fired.
func (s *Scheduler) RunDue() int {
	fired := 0
	s.RunPending()
	for {
		e := s.popDue()
		if e == nil {
			return fired
		}
		e.fn()
		fired++
		s.RunPending()
	}
}

func (s *Scheduler) popDue() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due *entry
	for _, e := range s.timers {
		if e.deadline.After(now) {
			continue
		}
		if due == nil || e.deadline.Before(due.deadline) || (e.deadline.Equal(due.deadline) && e.id < due.id) {
			due = e
		}
	}
	if due == nil {
		return nil
	}
	if due.period > 0 {
		// Reschedule before running so a Stop inside the callback sticks.
		next := *due
		due.deadline = due.deadline.Add(due.period)
		return &next
	}
	delete(s.timers, due.id)
	return due
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) > 0 {
		return 0
	}
	var earliest time.Time
	for _, e := range s.timers {
		if earliest.IsZero() || e.deadline.Before(earliest) {
			earliest = e.deadline
		}
	}
	if earliest.IsZero() {
		return idlePollDuration
	}
	if wait := earliest.Sub(s.clock.Now()); wait > 0 {
		return wait
	}
	return 0
}

// Run processes the mailbox and timers until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := s.clock.NewTimer(idlePollDuration)
	defer timer.Stop()

	for {
		s.RunDue()

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			log.Debug().Msg("scheduler loop exiting after stop")
			return nil
		}

		wait := s.nextWait()
		if wait == 0 {
			continue
		}
		stopAndDrainTimer(timer)
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wakeCh:
		case <-timer.Chan():
		}
	}
}

// Stop cancels every timer and rejects further posts. Queued closures are
// discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.timers = make(map[uint64]*entry)
	s.mu.Unlock()
	s.wake()
}

// stopAndDrainTimer stops a timer and drains its channel if needed
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

// Timer is a handle to a scheduled callback. A nil *Timer is valid and
// inactive.
type Timer struct {
	s  *Scheduler
	id uint64
}

// Stop cancels the timer and reports whether it was still armed.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.timers[t.id]; !ok {
		return false
	}
	delete(t.s.timers, t.id)
	return true
}

// Active reports whether the timer is still armed.
func (t *Timer) Active() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.timers[t.id]
	return ok
}

// Remaining returns the time left before the next fire, zero when inactive or
// overdue.
func (t *Timer) Remaining() time.Duration {
	if t == nil {
		return 0
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	e, ok := t.s.timers[t.id]
	if !ok {
		return 0
	}
	if left := e.deadline.Sub(t.s.clock.Now()); left > 0 {
		return left
	}
	return 0
}
