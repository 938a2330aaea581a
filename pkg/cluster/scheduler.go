package cluster

import (
	"context"
	"time"
)

// WakeReason says why a scheduler wait ended
type WakeReason int

const (
	// WakeTimeout means the full threshold elapsed without inbound traffic
	WakeTimeout WakeReason = iota
	// WakeNotified means an inbound frame was accepted during the wait
	WakeNotified
	// WakeStopped means the scheduler is shutting down
	WakeStopped
)

func (w WakeReason) String() string {
	switch w {
	case WakeTimeout:
		return "timeout"
	case WakeNotified:
		return "notified"
	case WakeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// signal is a level-triggered wakeup. Notifications that arrive while one is
// already pending collapse into it.
type signal chan struct{}

func newSignal() signal {
	return make(signal, 1)
}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// Scheduler drives HandleTimeout. Each round it waits for the threshold of
// the current role; an accepted inbound frame restarts the wait instead.
type Scheduler struct {
	sm   *StateMachine
	wake signal
}

// NewScheduler creates a scheduler for sm
func NewScheduler(sm *StateMachine) *Scheduler {
	return &Scheduler{
		sm:   sm,
		wake: newSignal(),
	}
}

// Notify restarts the current wait. It never blocks.
func (s *Scheduler) Notify() {
	s.wake.notify()
}

// Run loops until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	for {
		switch s.wait(ctx, s.sm.NextTimeout()) {
		case WakeStopped:
			return
		case WakeNotified:
			continue
		case WakeTimeout:
			s.sm.HandleTimeout(ctx)
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) WakeReason {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return WakeStopped
	case <-s.wake:
		return WakeNotified
	case <-timer.C:
		return WakeTimeout
	}
}
