// Package sched owns when things run: the fixed-cadence cycle loop and the
// cron-driven maintenance jobs. What runs is the pipeline's business.
package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"deathwatch/internal/eventbus"
	"deathwatch/pkg/logx"
)

// State is the observable phase of the cycle loop.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateClassifying
	StateNotifying
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateClassifying:
		return "classifying"
	case StateNotifying:
		return "notifying"
	default:
		return "idle"
	}
}

// Status receives phase transitions from the cycle body. The Loop implements
// it; the pipeline reports through it.
type Status interface {
	Enter(State)
}

// CycleEvent is the Data payload of cycle.* bus events.
type CycleEvent struct {
	Duration time.Duration
	Error    string
}

// Loop runs fn forever at a fixed interval measured from each run's
// completion, so a slow cycle delays the next one instead of overlapping it.
// Single-flight by construction: one goroutine, serial runs.
type Loop struct {
	fn  func(ctx context.Context) error
	log logx.Logger
	bus eventbus.Bus

	interval atomic.Int64 // nanoseconds
	state    atomic.Int32
	trigger  chan struct{}
}

func NewLoop(interval time.Duration, fn func(ctx context.Context) error, bus eventbus.Bus, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{fn: fn, log: log, bus: bus, trigger: make(chan struct{}, 1)}
	l.SetInterval(interval)
	return l
}

// SetInterval changes the cadence; it takes effect at the next wait.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 3 * time.Minute
	}
	l.interval.Store(int64(d))
}

func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// State reports the current phase.
func (l *Loop) State() State { return State(l.state.Load()) }

// Enter implements Status for the pipeline.
func (l *Loop) Enter(s State) { l.state.Store(int32(s)) }

// Trigger kicks an immediate run if the loop is idle-waiting. A trigger that
// lands while a cycle is in flight is dropped, never queued; the return value
// says whether the kick was registered.
func (l *Loop) Trigger() bool {
	if l.State() != StateIdle {
		return false
	}
	select {
	case l.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is canceled. The first cycle starts immediately.
// It is meant to be owned by a supervisor goroutine.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("cycle loop started", logx.Duration("interval", l.Interval()))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.runOnce(ctx)

		// A trigger that arrived during the run is stale; drop it so it
		// cannot queue a back-to-back cycle.
		select {
		case <-l.trigger:
		default:
		}

		t := time.NewTimer(l.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		case <-l.trigger:
			t.Stop()
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	started := time.Now()
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: "cycle.start"})
	}

	err := l.fn(ctx)
	dur := time.Since(started)
	l.Enter(StateIdle)

	switch {
	case err == nil:
		l.log.Debug("cycle finished", logx.Duration("took", dur))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: "cycle.end", Data: CycleEvent{Duration: dur}})
		}
	case errors.Is(err, context.Canceled):
		l.log.Debug("cycle aborted by shutdown", logx.Duration("took", dur))
	default:
		l.log.Error("cycle failed", logx.Err(err), logx.Duration("took", dur))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: "cycle.error", Data: CycleEvent{Duration: dur, Error: err.Error()}})
		}
	}
}
