// Package timectrl drives frame time for replayed AR sessions.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source the controller reads pose ages against.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu sync.RWMutex
	t  time.Time
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// Mode describes how the FrameController advances frame time.
type Mode int

const (
	// RealTime paces frames against the wall clock.
	RealTime Mode = iota
	// Accelerated steps frames back to back without sleeping.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// FrameListener is invoked once per frame, in order, on the controller's
// goroutine.
type FrameListener func(frame uint64, at time.Time)

// FrameController ticks frames at a fixed interval and notifies listeners.
// It implements Clock.
type FrameController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Interval  time.Duration
	Mode      Mode

	currentTime time.Time
	frame       uint64

	listeners []FrameListener
}

// NewFrameController constructs a controller positioned at frame 0.
func NewFrameController(start time.Time, interval time.Duration, mode Mode) *FrameController {
	if interval <= 0 {
		interval = time.Second / 30
	}
	return &FrameController{
		StartTime:   start,
		Interval:    interval,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the time of the most recent frame. Implements Clock.
func (fc *FrameController) Now() time.Time {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.currentTime
}

// Frame returns the index of the most recent frame.
func (fc *FrameController) Frame() uint64 {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.frame
}

// SetTime moves frame time without emitting a frame.
func (fc *FrameController) SetTime(t time.Time) {
	fc.mu.Lock()
	fc.currentTime = t
	fc.mu.Unlock()
}

// AddListener registers a callback invoked on every frame.
func (fc *FrameController) AddListener(fn FrameListener) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.listeners = append(fc.listeners, fn)
}

// Run emits frames on a separate goroutine until frames have been emitted
// (frames <= 0 means unbounded) or ctx is cancelled. The returned channel
// is closed when it stops.
func (fc *FrameController) Run(ctx context.Context, frames int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var tick <-chan time.Time
		if fc.Mode == RealTime {
			ticker := time.NewTicker(fc.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for emitted := 0; frames <= 0 || emitted < frames; emitted++ {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}
			fc.step()
		}
	}()
	return done
}

// Step emits a single frame synchronously.
func (fc *FrameController) Step() {
	fc.step()
}

func (fc *FrameController) step() {
	fc.mu.Lock()
	fc.frame++
	fc.currentTime = fc.StartTime.Add(time.Duration(fc.frame) * fc.Interval)
	frame, at := fc.frame, fc.currentTime
	listeners := append([]FrameListener(nil), fc.listeners...)
	fc.mu.Unlock()

	for _, fn := range listeners {
		fn(frame, at)
	}
}
