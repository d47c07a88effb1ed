package core

import (
	"sync"

	"github.com/signalsfoundry/geoanchor/model"
)

// AccuracyLimits bounds the accuracy fields of a GeoPose. A pose is within
// the limits only when every accuracy is at or below its limit.
type AccuracyLimits struct {
	HorizontalMeters float64 `mapstructure:"horizontal_meters"`
	VerticalMeters   float64 `mapstructure:"vertical_meters"`
	YawDegrees       float64 `mapstructure:"yaw_degrees"`
}

// Admits reports whether the pose is valid and within the limits.
func (l AccuracyLimits) Admits(p *model.GeoPose) bool {
	if p == nil || p.Validate() != nil {
		return false
	}
	return p.HorizontalAccuracyMeters <= l.HorizontalMeters &&
		p.VerticalAccuracyMeters <= l.VerticalMeters &&
		p.OrientationYawAccuracyDegrees <= l.YawDegrees
}

// AccuracyThresholds splits poses into good, usable and unusable.
type AccuracyThresholds struct {
	Good   AccuracyLimits `mapstructure:"good"`
	Usable AccuracyLimits `mapstructure:"usable"`
}

// DefaultAccuracyThresholds returns the thresholds used when none are configured.
func DefaultAccuracyThresholds() AccuracyThresholds {
	return AccuracyThresholds{
		Good:   AccuracyLimits{HorizontalMeters: 10, VerticalMeters: 10, YawDegrees: 15},
		Usable: AccuracyLimits{HorizontalMeters: 50, VerticalMeters: 50, YawDegrees: 45},
	}
}

// Classify derives the tracking quality for a single frame. It has no memory:
// tracking loss is reflected on the very frame it is reported.
func (th AccuracyThresholds) Classify(pose *model.GeoPose, sessionIsTracking bool) model.TrackingQuality {
	switch {
	case !sessionIsTracking:
		return model.NotTracking
	case !th.Usable.Admits(pose):
		return model.Initializing
	case !th.Good.Admits(pose):
		return model.TrackingLowAccuracy
	default:
		return model.TrackingGood
	}
}

// TrackingStateMachine holds the current session-wide tracking quality.
// Update is pure derivation; the machine only remembers the last result so
// other goroutines can read it and transitions can be observed.
type TrackingStateMachine struct {
	mu          sync.RWMutex
	thresholds  AccuracyThresholds
	current     model.TrackingQuality
	transitions uint64
	onChange    func(from, to model.TrackingQuality)
}

// NewTrackingStateMachine starts in NotTracking.
func NewTrackingStateMachine(th AccuracyThresholds) *TrackingStateMachine {
	return &TrackingStateMachine{thresholds: th, current: model.NotTracking}
}

// OnTransition registers a callback invoked (outside the lock) whenever
// Update changes the quality.
func (m *TrackingStateMachine) OnTransition(fn func(from, to model.TrackingQuality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Update re-evaluates the quality for this frame and returns it.
func (m *TrackingStateMachine) Update(pose *model.GeoPose, sessionIsTracking bool) model.TrackingQuality {
	next := m.thresholds.Classify(pose, sessionIsTracking)
	return m.set(next)
}

// Reset forces NotTracking, e.g. when the session pauses.
func (m *TrackingStateMachine) Reset() {
	m.set(model.NotTracking)
}

func (m *TrackingStateMachine) set(next model.TrackingQuality) model.TrackingQuality {
	m.mu.Lock()
	prev := m.current
	m.current = next
	fn := m.onChange
	if prev != next {
		m.transitions++
	}
	m.mu.Unlock()

	if prev != next && fn != nil {
		fn(prev, next)
	}
	return next
}

// Current returns the quality computed by the most recent Update.
func (m *TrackingStateMachine) Current() model.TrackingQuality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transitions returns how many times the quality has changed.
func (m *TrackingStateMachine) Transitions() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transitions
}

// Thresholds returns the configured thresholds.
func (m *TrackingStateMachine) Thresholds() AccuracyThresholds {
	return m.thresholds
}
