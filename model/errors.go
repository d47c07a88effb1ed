package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotReady indicates the session cannot accept anchors yet
	// (not resumed, or tracking quality is NotTracking). Callers may retry
	// or queue the request.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrSessionDestroyed is returned after teardown. It wraps
	// ErrSessionNotReady so callers matching the broader condition still work.
	ErrSessionDestroyed = fmt.Errorf("%w: session destroyed", ErrSessionNotReady)
	// ErrInvalidCoordinate indicates an out-of-range or non-finite
	// latitude, longitude or altitude.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrPoseUnavailable indicates the current geospatial pose cannot be
	// used to resolve an anchor this frame.
	ErrPoseUnavailable = errors.New("pose unavailable")
)
