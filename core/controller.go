package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/geoanchor/anchorstore"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/internal/observability"
	"github.com/signalsfoundry/geoanchor/model"
	"github.com/signalsfoundry/geoanchor/timectrl"
)

// LostPolicy decides how an anchor whose resolution failed is rendered.
type LostPolicy int

const (
	// LostPolicyHide suppresses lost anchors entirely.
	LostPolicyHide LostPolicy = iota
	// LostPolicyFreeze keeps drawing the last successfully resolved transform.
	LostPolicyFreeze
)

func (p LostPolicy) String() string {
	if p == LostPolicyFreeze {
		return "freeze"
	}
	return "hide"
}

// ParseLostPolicy accepts "hide" or "freeze".
func ParseLostPolicy(s string) (LostPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hide":
		return LostPolicyHide, nil
	case "freeze":
		return LostPolicyFreeze, nil
	default:
		return 0, fmt.Errorf("unknown lost policy %q", s)
	}
}

// ControllerConfig tunes a GeoAnchorController.
type ControllerConfig struct {
	Thresholds AccuracyThresholds

	// DefaultAltitudeOffsetMeters is added to the device altitude for
	// anchors placed without one.
	DefaultAltitudeOffsetMeters float64
	// MaxRangeMeters bounds how far an anchor may be from the device and
	// still resolve. Zero disables the bound.
	MaxRangeMeters float64
	// MaxPoseAge treats poses older than this (against the controller
	// clock) as missing. Zero disables the check.
	MaxPoseAge time.Duration

	LostPolicy LostPolicy
	// SingleAnchor replaces the existing anchor on every placement.
	SingleAnchor bool
	// StrictInvariants panics on anchor store corruption.
	StrictInvariants bool
}

// DefaultControllerConfig returns the configuration used by the binaries
// when nothing is overridden.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Thresholds:     DefaultAccuracyThresholds(),
		MaxRangeMeters: DefaultMaxRangeMeters,
		MaxPoseAge:     time.Second,
		LostPolicy:     LostPolicyHide,
	}
}

// FrameRecorder receives per-frame and per-request observations.
type FrameRecorder interface {
	ObserveFrame(q model.TrackingQuality, byState map[model.AnchorState]int, d time.Duration)
	ObservePlacement(outcome string)
	ObserveResolution(ok bool)
	ObserveQualityTransition(from, to model.TrackingQuality)
	ObserveAnchorEvent(event string, n int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveFrame(model.TrackingQuality, map[model.AnchorState]int, time.Duration) {}
func (noopRecorder) ObservePlacement(string)                                                      {}
func (noopRecorder) ObserveResolution(bool)                                                       {}
func (noopRecorder) ObserveQualityTransition(model.TrackingQuality, model.TrackingQuality)        {}
func (noopRecorder) ObserveAnchorEvent(string, int)                                               {}

// AnchorView is one anchor as the renderer should draw it this frame.
// Transform is nil whenever Visible is false.
type AnchorView struct {
	Handle    model.AnchorHandle
	Requested model.LatLng
	Transform *model.Transform
	State     model.AnchorState
	Visible   bool
}

// FramePayload is the controller's sole output surface.
type FramePayload struct {
	Frame     uint64
	Quality   model.TrackingQuality
	Suspended bool
	Anchors   []AnchorView
}

type phase int

const (
	phaseCreated phase = iota
	phaseRunning
	phasePaused
	phaseDestroyed
)

func (p phase) String() string {
	switch p {
	case phaseCreated:
		return "created"
	case phaseRunning:
		return "running"
	case phasePaused:
		return "paused"
	default:
		return "destroyed"
	}
}

// GeoAnchorController ties tracking quality, anchor storage and pose
// resolution together for one AR session.
//
// OnFrame is expected to be called from a single render goroutine.
// Placement, removal and lifecycle calls may come from any goroutine.
type GeoAnchorController struct {
	// mu guards the session phase and the cached frame state. Placement
	// and teardown hold it across their store mutation so an anchor can
	// never be created after the store was cleared. Lock order is
	// controller -> store.
	mu    sync.Mutex
	phase phase
	// epoch changes on every phase transition; a frame that started in an
	// older epoch is discarded.
	epoch    uint64
	frame    uint64
	latest   FramePayload
	lastPose *model.GeoPose

	cfg      ControllerConfig
	store    *anchorstore.Store
	tracking *TrackingStateMachine
	resolver *PoseResolver
	clock    timectrl.Clock
	log      logging.Logger
	metrics  FrameRecorder
}

// ControllerOption customises controller construction.
type ControllerOption func(*GeoAnchorController)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) ControllerOption {
	return func(c *GeoAnchorController) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r FrameRecorder) ControllerOption {
	return func(c *GeoAnchorController) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithClock overrides the clock used for pose ages and anchor timestamps.
func WithClock(clock timectrl.Clock) ControllerOption {
	return func(c *GeoAnchorController) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewGeoAnchorController builds a controller in the Created phase. Frames are
// ignored until the session is resumed.
func NewGeoAnchorController(cfg ControllerConfig, opts ...ControllerOption) *GeoAnchorController {
	c := &GeoAnchorController{
		cfg:      cfg,
		tracking: NewTrackingStateMachine(cfg.Thresholds),
		resolver: &PoseResolver{
			Usable:                cfg.Thresholds.Usable,
			DefaultAltitudeOffset: cfg.DefaultAltitudeOffsetMeters,
			MaxRangeMeters:        cfg.MaxRangeMeters,
		},
		clock:   timectrl.SystemClock{},
		log:     logging.Noop(),
		metrics: noopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.store = anchorstore.New(
		anchorstore.WithStrictInvariants(cfg.StrictInvariants),
		anchorstore.WithLogger(c.log),
		anchorstore.WithNow(c.clock.Now),
	)
	c.store.Subscribe(c.onStoreEvent)
	c.tracking.OnTransition(func(from, to model.TrackingQuality) {
		c.metrics.ObserveQualityTransition(from, to)
		c.log.Info(context.Background(), "tracking quality changed",
			logging.Stringer("from", from),
			logging.Stringer("to", to),
		)
	})
	c.latest = FramePayload{Quality: model.NotTracking, Suspended: true}
	return c
}

func (c *GeoAnchorController) onStoreEvent(ev anchorstore.Event) {
	n := 1
	if ev.Type == anchorstore.EventStoreCleared {
		n = ev.Count
	}
	c.metrics.ObserveAnchorEvent(ev.Type.String(), n)

	fields := []logging.Field{logging.Stringer("event", ev.Type), logging.Int("count", n)}
	if ev.Type != anchorstore.EventStoreCleared {
		fields = append(fields,
			logging.String("anchor", string(ev.Anchor.Handle)),
			logging.Stringer("target", ev.Anchor.Requested),
		)
	}
	c.log.Debug(context.Background(), "anchor store changed", fields...)
}

// OnSessionLifecycle dispatches a host lifecycle event.
func (c *GeoAnchorController) OnSessionLifecycle(ctx context.Context, ev model.LifecycleEvent) error {
	ctx, span := observability.StartSpan(ctx, "geoanchor.lifecycle", attribute.String("event", ev.String()))
	defer span.End()

	switch ev {
	case model.SessionCreated:
		c.mu.Lock()
		if c.phase != phaseDestroyed && c.phase != phaseCreated {
			c.phase = phaseCreated
			c.epoch++
		}
		c.mu.Unlock()
		logging.FromContext(ctx, c.log).Info(ctx, "session created")
	case model.SessionResumed:
		c.Start()
	case model.SessionPaused:
		c.Stop()
	case model.SessionDestroyed:
		c.Teardown()
	default:
		err := fmt.Errorf("unknown lifecycle event %d", int(ev))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Start arms per-frame updates. It is a no-op after Teardown.
func (c *GeoAnchorController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseDestroyed || c.phase == phaseRunning {
		return
	}
	c.phase = phaseRunning
	c.epoch++
	c.log.Info(context.Background(), "session resumed; frame updates armed")
}

// Stop suspends per-frame updates and drops tracking to NotTracking.
// Anchors are kept.
func (c *GeoAnchorController) Stop() {
	c.mu.Lock()
	if c.phase != phaseRunning {
		c.mu.Unlock()
		return
	}
	c.phase = phasePaused
	c.epoch++
	c.lastPose = nil
	c.latest = FramePayload{Frame: c.frame, Quality: model.NotTracking, Suspended: true}
	c.mu.Unlock()

	c.tracking.Reset()
	c.log.Info(context.Background(), "session paused; frame updates suspended")
}

// Teardown clears every anchor and makes all later calls no-ops. Calling
// it more than once is harmless, and it may race with an in-flight OnFrame.
func (c *GeoAnchorController) Teardown() {
	c.mu.Lock()
	if c.phase == phaseDestroyed {
		c.mu.Unlock()
		return
	}
	c.phase = phaseDestroyed
	c.epoch++
	c.lastPose = nil
	c.latest = FramePayload{Frame: c.frame, Quality: model.NotTracking}
	removed := c.store.Clear()
	c.mu.Unlock()

	c.tracking.Reset()
	c.log.Info(context.Background(), "session destroyed; anchors released", logging.Int("anchors", removed))
}

// OnPlacementRequest creates an anchor at the given coordinate. alt may be
// nil, in which case the altitude fallback policy of PoseResolver applies.
//
// It fails with model.ErrInvalidCoordinate for out-of-range input and with
// model.ErrSessionNotReady while the session is not running or tracking
// quality is NotTracking.
func (c *GeoAnchorController) OnPlacementRequest(ctx context.Context, lat, lng float64, alt *float64) (model.AnchorHandle, error) {
	ctx, span := observability.StartSpan(ctx, "geoanchor.place",
		attribute.Float64("lat", lat),
		attribute.Float64("lng", lng),
	)
	defer span.End()
	log := logging.FromContext(ctx, c.log)

	handle, err := c.place(model.LatLng{Lat: lat, Lng: lng}, alt)
	switch {
	case err == nil:
		c.metrics.ObservePlacement(observability.PlacementOK)
		span.SetAttributes(attribute.String("anchor", string(handle)))
		log.Info(ctx, "anchor placed",
			logging.String("anchor", string(handle)),
			logging.Float64("lat", lat),
			logging.Float64("lng", lng),
		)
		return handle, nil
	case errors.Is(err, model.ErrInvalidCoordinate):
		c.metrics.ObservePlacement(observability.PlacementInvalidCoordinate)
	case errors.Is(err, model.ErrSessionNotReady):
		c.metrics.ObservePlacement(observability.PlacementSessionNotReady)
	default:
		c.metrics.ObservePlacement(observability.PlacementError)
	}
	span.SetStatus(codes.Error, err.Error())
	log.Warn(ctx, "anchor placement rejected", logging.Err(err))
	return "", err
}

func (c *GeoAnchorController) place(target model.LatLng, alt *float64) (model.AnchorHandle, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	if err := model.ValidateAltitude(alt); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case phaseDestroyed:
		return "", model.ErrSessionDestroyed
	case phaseRunning:
	default:
		return "", fmt.Errorf("%w: session %s", model.ErrSessionNotReady, c.phase)
	}
	if q := c.tracking.Current(); q == model.NotTracking {
		return "", fmt.Errorf("%w: tracking quality %s", model.ErrSessionNotReady, q)
	}

	var previous []model.Anchor
	if c.cfg.SingleAnchor {
		previous = c.store.List()
	}
	a, err := c.store.Create(target, alt, c.lastPose)
	if err != nil {
		return "", err
	}
	for _, old := range previous {
		c.store.Remove(old.Handle)
	}
	return a.Handle, nil
}

// RemoveAnchor destroys an anchor. Unknown handles are ignored.
func (c *GeoAnchorController) RemoveAnchor(ctx context.Context, h model.AnchorHandle) bool {
	removed := c.store.Remove(h)
	if removed {
		logging.FromContext(ctx, c.log).Info(ctx, "anchor removed", logging.String("anchor", string(h)))
	}
	return removed
}

// OnFrame is the per-frame tick. It updates tracking quality, resolves every
// anchor against pose and returns what the renderer should draw.
func (c *GeoAnchorController) OnFrame(ctx context.Context, pose *model.GeoPose, sessionIsTracking bool) FramePayload {
	start := time.Now()

	c.mu.Lock()
	if c.phase != phaseRunning {
		out := FramePayload{Frame: c.frame, Quality: model.NotTracking, Suspended: c.phase != phaseDestroyed}
		c.mu.Unlock()
		return out
	}
	c.frame++
	frame := c.frame
	epoch := c.epoch
	c.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "geoanchor.frame", attribute.Int64("frame", int64(frame)))
	defer span.End()

	now := c.clock.Now()
	pose = c.freshPose(ctx, pose, now)
	quality := c.tracking.Update(pose, sessionIsTracking)

	var anchors []model.Anchor
	if quality == model.NotTracking {
		// The pose is stale the moment tracking drops; never resolve against it.
		anchors = c.store.MarkAllLost(now)
	} else {
		anchors = c.resolveAll(ctx, pose, now)
	}

	payload := FramePayload{
		Frame:   frame,
		Quality: quality,
		Anchors: make([]AnchorView, 0, len(anchors)),
	}
	byState := make(map[model.AnchorState]int, 3)
	for _, a := range anchors {
		payload.Anchors = append(payload.Anchors, c.view(a))
		byState[a.State]++
	}

	c.mu.Lock()
	switch {
	case c.phase == phaseDestroyed:
		// Teardown won the race; nothing from this frame may be drawn.
		payload = FramePayload{Frame: frame, Quality: model.NotTracking}
	case c.phase != phaseRunning || c.epoch != epoch:
		// Paused (and possibly resumed) mid-frame. The new epoch has not
		// seen a frame yet.
		payload = FramePayload{Frame: frame, Quality: model.NotTracking, Suspended: true}
	default:
		c.latest = payload
		c.lastPose = nil
		if quality.Renderable() {
			p := *pose
			c.lastPose = &p
		}
	}
	if c.epoch != epoch {
		// Update above may have overwritten the Reset done by the lifecycle call.
		c.tracking.Reset()
		byState = nil
	}
	c.mu.Unlock()

	span.SetAttributes(
		attribute.String("quality", quality.String()),
		attribute.Int("anchors", len(payload.Anchors)),
	)
	c.metrics.ObserveFrame(payload.Quality, byState, time.Since(start))
	return payload
}

func (c *GeoAnchorController) freshPose(ctx context.Context, pose *model.GeoPose, now time.Time) *model.GeoPose {
	if pose == nil || c.cfg.MaxPoseAge <= 0 || pose.Timestamp.IsZero() {
		return pose
	}
	if age := now.Sub(pose.Timestamp); age > c.cfg.MaxPoseAge {
		c.log.Debug(ctx, "dropping stale pose", logging.String("age", age.String()))
		return nil
	}
	return pose
}

func (c *GeoAnchorController) resolveAll(ctx context.Context, pose *model.GeoPose, now time.Time) []model.Anchor {
	snapshot := c.store.List()
	out := make([]model.Anchor, 0, len(snapshot))
	for _, a := range snapshot {
		res := anchorstore.Resolution{Pose: pose, At: now}
		t, err := c.resolver.Resolve(pose, a.Requested, a.RequestedAltitude)
		if err == nil {
			res.Transform = &t
		}
		c.metrics.ObserveResolution(err == nil)

		updated, ok := c.store.ApplyResolution(a.Handle, a.Requested, res)
		if !ok {
			// Removed while this frame was resolving.
			continue
		}
		if updated.State != a.State {
			fields := []logging.Field{
				logging.String("anchor", string(a.Handle)),
				logging.Stringer("from", a.State),
				logging.Stringer("to", updated.State),
			}
			if err != nil {
				fields = append(fields, logging.Err(err))
			}
			c.log.Debug(ctx, "anchor state changed", fields...)
		}
		out = append(out, updated)
	}
	return out
}

func (c *GeoAnchorController) view(a model.Anchor) AnchorView {
	v := AnchorView{Handle: a.Handle, Requested: a.Requested, State: a.State}
	switch {
	case a.State == model.AnchorTracking && a.Transform != nil:
		t := *a.Transform
		v.Transform = &t
		v.Visible = true
	case a.State == model.AnchorLost && c.cfg.LostPolicy == LostPolicyFreeze && a.LastGoodTransform != nil:
		t := *a.LastGoodTransform
		v.Transform = &t
		v.Visible = true
	}
	return v
}

// Latest returns the payload produced by the most recent frame.
func (c *GeoAnchorController) Latest() FramePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.latest
	out.Anchors = append([]AnchorView(nil), c.latest.Anchors...)
	return out
}

// Quality returns the tracking quality as of the last frame.
func (c *GeoAnchorController) Quality() model.TrackingQuality {
	return c.tracking.Current()
}

// Anchors returns a snapshot of the anchor store.
func (c *GeoAnchorController) Anchors() []model.Anchor {
	return c.store.List()
}

// Anchor returns one anchor by handle.
func (c *GeoAnchorController) Anchor(h model.AnchorHandle) (model.Anchor, bool) {
	return c.store.Get(h)
}

// Destroyed reports whether Teardown has run.
func (c *GeoAnchorController) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseDestroyed
}
