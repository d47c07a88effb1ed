package model

import (
	"fmt"
	"strings"
)

// TrackingQuality is the session-wide classification of pose reliability.
// It gates render eligibility for every anchor.
type TrackingQuality int

const (
	NotTracking TrackingQuality = iota
	Initializing
	TrackingLowAccuracy
	TrackingGood
)

func (q TrackingQuality) String() string {
	switch q {
	case NotTracking:
		return "not_tracking"
	case Initializing:
		return "initializing"
	case TrackingLowAccuracy:
		return "tracking_low_accuracy"
	case TrackingGood:
		return "tracking_good"
	default:
		return "unknown"
	}
}

// Renderable reports whether anchors may be drawn at this quality.
func (q TrackingQuality) Renderable() bool {
	return q == TrackingLowAccuracy || q == TrackingGood
}

// AllTrackingQualities lists every quality, lowest first.
var AllTrackingQualities = []TrackingQuality{NotTracking, Initializing, TrackingLowAccuracy, TrackingGood}

// LifecycleEvent is a host session lifecycle notification.
type LifecycleEvent int

const (
	SessionCreated LifecycleEvent = iota
	SessionResumed
	SessionPaused
	SessionDestroyed
)

func (e LifecycleEvent) String() string {
	switch e {
	case SessionCreated:
		return "created"
	case SessionResumed:
		return "resumed"
	case SessionPaused:
		return "paused"
	case SessionDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ParseLifecycleEvent accepts the lower-case event names produced by String.
func ParseLifecycleEvent(s string) (LifecycleEvent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created":
		return SessionCreated, nil
	case "resumed":
		return SessionResumed, nil
	case "paused":
		return SessionPaused, nil
	case "destroyed":
		return SessionDestroyed, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle event %q", s)
	}
}
