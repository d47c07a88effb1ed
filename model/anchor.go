package model

import "time"

// AnchorHandle is the opaque identifier handed out for an anchor.
type AnchorHandle string

// AnchorState is the per-anchor resolution state.
type AnchorState int

const (
	// AnchorPending has not been resolved yet.
	AnchorPending AnchorState = iota
	// AnchorTracking resolved successfully on the latest frame.
	AnchorTracking
	// AnchorLost failed to resolve on the latest frame.
	AnchorLost
)

func (s AnchorState) String() string {
	switch s {
	case AnchorPending:
		return "pending"
	case AnchorTracking:
		return "tracking"
	case AnchorLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Anchor is a virtual marker bound to a geographic coordinate.
//
// Requested and RequestedAltitude are fixed at creation. Transform holds the
// latest successful resolution and is nil whenever State is not Tracking;
// LastGoodTransform survives a transition to Lost.
type Anchor struct {
	Handle            AnchorHandle
	Requested         LatLng
	RequestedAltitude *float64

	// CreationPose is the pose at creation, or at first successful
	// resolution when the anchor was placed without one.
	CreationPose *GeoPose

	Transform         *Transform
	LastGoodTransform *Transform
	State             AnchorState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can hold it without sharing pointers
// with the store.
func (a Anchor) Clone() Anchor {
	out := a
	if a.RequestedAltitude != nil {
		alt := *a.RequestedAltitude
		out.RequestedAltitude = &alt
	}
	if a.CreationPose != nil {
		p := *a.CreationPose
		out.CreationPose = &p
	}
	if a.Transform != nil {
		t := *a.Transform
		out.Transform = &t
	}
	if a.LastGoodTransform != nil {
		t := *a.LastGoodTransform
		out.LastGoodTransform = &t
	}
	return out
}
