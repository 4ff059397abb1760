// Package timectrl drives the simulation tick.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock reports simulation time.
type Clock interface {
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime fires one tick per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated fires ticks back to back, still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// TimeController advances simulation time by a fixed step and calls its
// listeners on every step. One run is active at a time; a run ends when
// its context is cancelled or its duration has elapsed.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []func(time.Time)
	running     bool
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves simulation time without firing listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Running reports whether a run is in progress.
func (tc *TimeController) Running() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.running
}

// AddListener registers a callback invoked on every tick, in registration
// order, from the run goroutine.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run advances time from the current simulation time until ctx is done or,
// when duration > 0, until duration of simulation time has passed. The
// returned channel closes when the run ends. Run returns nil when another
// run is already in progress.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) <-chan struct{} {
	tc.mu.Lock()
	if tc.running || tc.Tick <= 0 {
		tc.mu.Unlock()
		return nil
	}
	tc.running = true
	tick, mode := tc.Tick, tc.Mode
	tc.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			tc.mu.Lock()
			tc.running = false
			tc.mu.Unlock()
		}()

		var ticks <-chan time.Time
		if mode == RealTime {
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			ticks = ticker.C
		}

		for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tick {
			if ticks != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticks:
				}
			} else if ctx.Err() != nil {
				return
			}
			tc.step(tick)
		}
	}()
	return done
}

// Step advances time by one tick synchronously and fires listeners.
func (tc *TimeController) Step() {
	tc.step(tc.Tick)
}

func (tc *TimeController) step(tick time.Duration) {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tick)
	now := tc.currentTime
	listeners := append(([]func(time.Time))(nil), tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
}
