package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/model"
	"github.com/signalsfoundry/geoanchor/timectrl"
)

// Sink receives every payload the controller produces during a replay.
type Sink func(ctx context.Context, frame uint64, p core.FramePayload)

// PlacementOutcome records what happened to one scripted placement.
type PlacementOutcome struct {
	Frame  uint64
	Label  string
	Handle model.AnchorHandle
	Err    error
}

// Runner replays a Scenario through a controller, one scenario step per
// FrameController frame. The controller should use the same
// FrameController as its clock so pose ages line up with frame time.
type Runner struct {
	ctrl  *core.GeoAnchorController
	sc    *Scenario
	fc    *timectrl.FrameController
	steps map[uint64]Step
	log   logging.Logger
	sink  Sink

	mu         sync.Mutex
	pose       *model.GeoPose
	tracking   bool
	handles    map[string]model.AnchorHandle
	placements []PlacementOutcome
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithSink receives payloads as they are produced.
func WithSink(s Sink) RunnerOption {
	return func(r *Runner) { r.sink = s }
}

// NewFrameController builds the frame clock a scenario expects.
func NewFrameController(sc *Scenario, mode timectrl.Mode) *timectrl.FrameController {
	return timectrl.NewFrameController(sc.Start, sc.FrameInterval, mode)
}

// NewRunner wires sc to ctrl through fc.
func NewRunner(ctrl *core.GeoAnchorController, sc *Scenario, fc *timectrl.FrameController, opts ...RunnerOption) *Runner {
	r := &Runner{
		ctrl:    ctrl,
		sc:      sc,
		fc:      fc,
		steps:   sc.stepIndex(),
		log:     logging.Noop(),
		handles: make(map[string]model.AnchorHandle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run emits the scenario's frames and blocks until they are done or ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.fc.AddListener(func(frame uint64, at time.Time) {
		r.onFrame(ctx, frame, at)
	})
	r.log.Info(ctx, "replay started",
		logging.String("scenario", r.sc.Name),
		logging.Int("frames", int(r.sc.Length)),
		logging.Stringer("mode", r.fc.Mode),
	)

	done := r.fc.Run(ctx, int(r.sc.Length))
	select {
	case <-done:
	case <-ctx.Done():
		<-done
	}
	if err := ctx.Err(); err != nil && r.fc.Frame() < r.sc.Length {
		return err
	}
	r.log.Info(ctx, "replay finished", logging.String("scenario", r.sc.Name))
	return nil
}

// Placements returns the outcome of every scripted placement so far.
func (r *Runner) Placements() []PlacementOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PlacementOutcome(nil), r.placements...)
}

// Handle returns the anchor handle allocated for a placement label.
func (r *Runner) Handle(label string) (model.AnchorHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[label]
	return h, ok
}

func (r *Runner) onFrame(ctx context.Context, frame uint64, at time.Time) {
	if st, ok := r.steps[frame]; ok {
		r.apply(ctx, frame, st)
	}

	r.mu.Lock()
	var pose *model.GeoPose
	if r.pose != nil {
		p := *r.pose
		p.Timestamp = at
		pose = &p
	}
	tracking := r.tracking
	r.mu.Unlock()

	payload := r.ctrl.OnFrame(ctx, pose, tracking)
	if r.sink != nil {
		r.sink(ctx, frame, payload)
	}
}

func (r *Runner) apply(ctx context.Context, frame uint64, st Step) {
	for _, name := range st.Lifecycle {
		ev, err := model.ParseLifecycleEvent(name)
		if err != nil {
			r.log.Warn(ctx, "replay lifecycle event skipped", logging.Int("frame", int(frame)), logging.String("event", name), logging.Err(err))
			continue
		}
		if err := r.ctrl.OnSessionLifecycle(ctx, ev); err != nil {
			r.log.Warn(ctx, "replay lifecycle event failed", logging.Int("frame", int(frame)), logging.Err(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, label := range st.Remove {
		h, ok := r.handles[label]
		if !ok {
			r.log.Warn(ctx, "replay removal of unknown label", logging.String("label", label))
			continue
		}
		r.ctrl.RemoveAnchor(ctx, h)
		delete(r.handles, label)
	}

	for _, p := range st.Place {
		h, err := r.ctrl.OnPlacementRequest(ctx, p.Lat, p.Lng, p.Alt)
		r.placements = append(r.placements, PlacementOutcome{Frame: frame, Label: p.Label, Handle: h, Err: err})
		switch {
		case err == nil:
			if p.Label != "" {
				r.handles[p.Label] = h
			}
		case errors.Is(err, model.ErrSessionNotReady), errors.Is(err, model.ErrInvalidCoordinate):
			r.log.Info(ctx, "replay placement rejected", logging.Int("frame", int(frame)), logging.Err(err))
		default:
			r.log.Error(ctx, "replay placement failed", logging.Int("frame", int(frame)), logging.Err(err))
		}
	}

	if st.Tracking != nil {
		r.tracking = *st.Tracking
	}
	switch {
	case st.Pose != nil:
		p := *st.Pose
		r.pose = &p
	case st.LosePose:
		r.pose = nil
	}
}
