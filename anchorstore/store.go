// Package anchorstore owns the set of live geo-anchored markers for a session.
package anchorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/model"
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventAnchorCreated EventType = iota
	EventAnchorRemoved
	EventStoreCleared
)

func (t EventType) String() string {
	switch t {
	case EventAnchorCreated:
		return "created"
	case EventAnchorRemoved:
		return "removed"
	case EventStoreCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers after a mutation commits.
type Event struct {
	Type   EventType
	Anchor model.Anchor // zero for EventStoreCleared
	Count  int          // anchors removed by a clear
}

// Resolution is the outcome of resolving one anchor for one frame.
type Resolution struct {
	Transform *model.Transform // nil when resolution failed
	Pose      *model.GeoPose   // pose the resolution was computed from
	At        time.Time
}

// Store is an in-memory, thread-safe anchor set. A single mutex guards all
// mutation; List hands out copies, so a frame iterating a snapshot never
// observes a partially applied change.
type Store struct {
	mu sync.RWMutex

	anchors map[model.AnchorHandle]*model.Anchor
	order   []model.AnchorHandle

	subs   map[int]func(Event)
	nextID int

	strict bool
	log    logging.Logger
	now    func() time.Time
}

// Option customises Store construction.
type Option func(*Store)

// WithStrictInvariants makes invariant violations panic instead of being
// logged. Intended for development builds and tests.
func WithStrictInvariants(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithNow overrides the clock used for CreatedAt/UpdatedAt stamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		anchors: make(map[model.AnchorHandle]*model.Anchor),
		subs:    make(map[int]func(Event)),
		log:     logging.Noop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a Pending anchor. pose may be nil, in which case the
// anchor stays pose-less until its first successful resolution.
func (s *Store) Create(target model.LatLng, alt *float64, pose *model.GeoPose) (model.Anchor, error) {
	if err := target.Validate(); err != nil {
		return model.Anchor{}, err
	}
	if err := model.ValidateAltitude(alt); err != nil {
		return model.Anchor{}, err
	}

	now := s.now()
	a := &model.Anchor{
		Handle:    model.AnchorHandle(uuid.NewString()),
		Requested: target,
		State:     model.AnchorPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if alt != nil {
		v := *alt
		a.RequestedAltitude = &v
	}
	if pose != nil {
		p := *pose
		a.CreationPose = &p
	}

	s.mu.Lock()
	if _, exists := s.anchors[a.Handle]; exists {
		s.mu.Unlock()
		return model.Anchor{}, fmt.Errorf("anchor handle %q already allocated", a.Handle)
	}
	s.anchors[a.Handle] = a
	s.order = append(s.order, a.Handle)
	s.checkInvariantsLocked()
	out := a.Clone()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, Event{Type: EventAnchorCreated, Anchor: out})
	return out, nil
}

// Remove deletes an anchor. Removing an unknown handle is a no-op; the
// return value reports whether anything was removed.
func (s *Store) Remove(h model.AnchorHandle) bool {
	s.mu.Lock()
	a, ok := s.anchors[h]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.anchors, h)
	for i, id := range s.order {
		if id == h {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.checkInvariantsLocked()
	out := a.Clone()
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, Event{Type: EventAnchorRemoved, Anchor: out})
	return true
}

// Get returns a copy of the anchor, or false if it does not exist.
func (s *Store) Get(h model.AnchorHandle) (model.Anchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[h]
	if !ok {
		return model.Anchor{}, false
	}
	return a.Clone(), true
}

// List returns a snapshot of all anchors in creation order.
func (s *Store) List() []model.Anchor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]model.Anchor, 0, len(s.order))
	for _, h := range s.order {
		res = append(res, s.anchors[h].Clone())
	}
	return res
}

// Len returns the number of anchors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.anchors)
}

// Clear removes every anchor and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.anchors)
	s.anchors = make(map[model.AnchorHandle]*model.Anchor)
	s.order = nil
	subs := s.subscribersLocked()
	s.mu.Unlock()

	if n > 0 {
		notify(subs, Event{Type: EventStoreCleared, Count: n})
	}
	return n
}

// ApplyResolution records a frame's resolution for an anchor. Anchors
// removed since the frame took its snapshot are skipped and false is
// returned. requested guards against a handle being reused for a
// different coordinate; it must match the stored one.
func (s *Store) ApplyResolution(h model.AnchorHandle, requested model.LatLng, res Resolution) (model.Anchor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.anchors[h]
	if !ok {
		return model.Anchor{}, false
	}
	if a.Requested != requested {
		s.violation("requested coordinate changed for anchor %s: %v -> %v", h, a.Requested, requested)
		return a.Clone(), false
	}

	if res.Transform != nil {
		t := *res.Transform
		a.Transform = &t
		last := t
		a.LastGoodTransform = &last
		a.State = model.AnchorTracking
		if a.CreationPose == nil && res.Pose != nil {
			p := *res.Pose
			a.CreationPose = &p
		}
	} else {
		a.Transform = nil
		a.State = model.AnchorLost
	}
	a.UpdatedAt = res.At
	return a.Clone(), true
}

// MarkAllLost moves every anchor to Lost without touching LastGoodTransform.
// It returns the updated snapshot.
func (s *Store) MarkAllLost(at time.Time) []model.Anchor {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]model.Anchor, 0, len(s.order))
	for _, h := range s.order {
		a := s.anchors[h]
		a.Transform = nil
		a.State = model.AnchorLost
		a.UpdatedAt = at
		res = append(res, a.Clone())
	}
	return res
}

// Subscribe registers a callback for store events. It returns an unsubscribe
// function; calling it more than once is harmless.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) subscribersLocked() []func(Event) {
	if len(s.subs) == 0 {
		return nil
	}
	out := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

// notify runs outside the lock so subscribers may call back into the store.
func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *Store) checkInvariantsLocked() {
	if len(s.order) != len(s.anchors) {
		s.violation("index holds %d handles but map holds %d anchors", len(s.order), len(s.anchors))
		return
	}
	for _, h := range s.order {
		a, ok := s.anchors[h]
		if !ok || a.Handle != h {
			s.violation("index entry %s has no matching anchor", h)
			return
		}
	}
}

func (s *Store) violation(format string, args ...any) {
	msg := fmt.Sprintf("anchorstore invariant violated: "+format, args...)
	if s.strict {
		panic(msg)
	}
	s.log.Error(context.Background(), msg)
}
