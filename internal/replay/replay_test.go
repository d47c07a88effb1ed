package replay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/model"
	"github.com/signalsfoundry/geoanchor/timectrl"
)

const walkScenario = `
name: cathedral-square
frame_interval: 100ms
length: 6
steps:
  - frame: 1
    lifecycle: [created, resumed]
    tracking: true
    pose: {lat: 54.6872, lng: 25.2797, alt: 150, heading: 0, horizontal_accuracy: 3, vertical_accuracy: 2, yaw_accuracy: 5}
    place:
      - {label: early, lat: 54.6858, lng: 25.2877}
  - frame: 2
    place:
      - {label: cathedral, lat: 54.6858, lng: 25.2877}
      - {label: bogus, lat: 91, lng: 0}
  - frame: 4
    tracking: false
  - frame: 5
    tracking: true
    remove: [cathedral]
`

type recordingSink struct {
	mu       sync.Mutex
	payloads map[uint64]core.FramePayload
}

func (s *recordingSink) record(_ context.Context, frame uint64, p core.FramePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payloads == nil {
		s.payloads = make(map[uint64]core.FramePayload)
	}
	s.payloads[frame] = p
}

func (s *recordingSink) at(frame uint64) core.FramePayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[frame]
}

func TestLoadScenario(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(walkScenario))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.FrameInterval != 100*time.Millisecond || sc.Length != 6 || len(sc.Steps) != 4 {
		t.Fatalf("scenario = %+v", sc)
	}
	pose := sc.Steps[0].Pose
	if pose == nil || pose.Latitude != 54.6872 || pose.HorizontalAccuracyMeters != 3 {
		t.Fatalf("pose = %+v", pose)
	}
	if sc.Start.IsZero() {
		t.Fatalf("start time not defaulted")
	}
}

func TestLoadScenarioRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"zero frame":        "steps:\n  - frame: 0\n",
		"duplicate frame":   "steps:\n  - frame: 2\n  - frame: 2\n",
		"bad lifecycle":     "steps:\n  - frame: 1\n    lifecycle: [exploded]\n",
		"duplicate label":   "steps:\n  - frame: 1\n    place: [{label: a, lat: 0, lng: 0}, {label: a, lat: 1, lng: 1}]\n",
		"short length":      "length: 1\nsteps:\n  - frame: 3\n",
		"unknown field":     "frames_per_second: 30\n",
		"pose and lose":     "steps:\n  - frame: 1\n    lose_pose: true\n    pose: {lat: 1, lng: 1}\n",
		"negative interval": "frame_interval: -1s\n",
		"unknown preset":    "steps:\n  - frame: 1\n    place: [{preset: atlantis}]\n",
		"preset and coords": "steps:\n  - frame: 1\n    place: [{preset: vilnius-north, lat: 1, lng: 1}]\n",
		"bad preset":        "presets: {far: {lat: 95, lng: 0}}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadScenario(strings.NewReader(doc)); err == nil {
				t.Fatalf("LoadScenario accepted %q", doc)
			}
		})
	}
}

func TestRunnerReplaysScenario(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(walkScenario))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	cfg := core.DefaultControllerConfig()
	cfg.StrictInvariants = true

	fc := NewFrameController(sc, timectrl.Accelerated)
	ctrl := core.NewGeoAnchorController(cfg, core.WithClock(fc))
	sink := &recordingSink{}
	r := NewRunner(ctrl, sc, fc, WithSink(sink.record))

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fc.Frame() != 6 {
		t.Fatalf("emitted %d frames, want 6", fc.Frame())
	}

	outcomes := r.Placements()
	if len(outcomes) != 3 {
		t.Fatalf("placements = %+v, want 3", outcomes)
	}
	if !errors.Is(outcomes[0].Err, model.ErrSessionNotReady) {
		t.Errorf("placement before first tracked frame: err = %v, want ErrSessionNotReady", outcomes[0].Err)
	}
	if outcomes[1].Err != nil || outcomes[1].Handle == "" {
		t.Errorf("cathedral placement = %+v", outcomes[1])
	}
	if !errors.Is(outcomes[2].Err, model.ErrInvalidCoordinate) {
		t.Errorf("bogus placement err = %v, want ErrInvalidCoordinate", outcomes[2].Err)
	}

	if p := sink.at(1); p.Quality != model.TrackingGood || len(p.Anchors) != 0 {
		t.Errorf("frame 1 = %+v", p)
	}
	for _, f := range []uint64{2, 3} {
		p := sink.at(f)
		if len(p.Anchors) != 1 || p.Anchors[0].State != model.AnchorTracking || !p.Anchors[0].Visible {
			t.Errorf("frame %d = %+v, want one visible tracking anchor", f, p)
		}
	}
	if p := sink.at(4); p.Quality != model.NotTracking || len(p.Anchors) != 1 || p.Anchors[0].State != model.AnchorLost {
		t.Errorf("frame 4 = %+v, want lost anchor under NotTracking", p)
	}
	if p := sink.at(5); p.Quality != model.TrackingGood || len(p.Anchors) != 0 {
		t.Errorf("frame 5 = %+v, want removed anchor", p)
	}
	if _, ok := r.Handle("cathedral"); ok {
		t.Errorf("removed label still mapped")
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader("frame_interval: 1h\nlength: 100\n"))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	fc := NewFrameController(sc, timectrl.RealTime)
	ctrl := core.NewGeoAnchorController(core.DefaultControllerConfig(), core.WithClock(fc))
	r := NewRunner(ctrl, sc, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
}

type warnLogger struct {
	logging.Logger
	mu    sync.Mutex
	warns []string
}

func (l *warnLogger) Warn(_ context.Context, msg string, _ ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func TestRunnerSkipsUnparsableLifecycleEvent(t *testing.T) {
	tracking := true
	sc := &Scenario{
		Name:          "hand-built",
		Start:         time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		FrameInterval: 100 * time.Millisecond,
		Length:        2,
		Steps: []Step{{
			Frame:     1,
			Lifecycle: []string{"created", "exploded", "resumed"},
			Tracking:  &tracking,
			Pose:      &model.GeoPose{Latitude: 54.6872, Longitude: 25.2797, Altitude: 150, HorizontalAccuracyMeters: 3, VerticalAccuracyMeters: 2, OrientationYawAccuracyDegrees: 5},
		}},
	}
	fc := NewFrameController(sc, timectrl.Accelerated)
	ctrl := core.NewGeoAnchorController(core.DefaultControllerConfig(), core.WithClock(fc))
	log := &warnLogger{Logger: logging.Noop()}
	sink := &recordingSink{}
	r := NewRunner(ctrl, sc, fc, WithLogger(log), WithSink(sink.record))

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p := sink.at(1); p.Suspended || p.Quality != model.TrackingGood {
		t.Fatalf("frame 1 = %+v, want running session around the bad event", p)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.warns) != 1 || log.warns[0] != "replay lifecycle event skipped" {
		t.Fatalf("warnings = %v", log.warns)
	}
}

func TestScenarioPresetPlacements(t *testing.T) {
	doc := `
name: presets
frame_interval: 100ms
presets:
  square: {lat: 54.6858, lng: 25.2877}
steps:
  - frame: 1
    lifecycle: [created, resumed]
    tracking: true
    pose: {lat: 54.7060, lng: 25.2740, alt: 150, heading: 0, horizontal_accuracy: 3, vertical_accuracy: 2, yaw_accuracy: 5}
  - frame: 2
    place:
      - {label: north, preset: vilnius-north}
      - {label: west, preset: vilnius-west}
      - {label: square, preset: square}
`
	sc, err := LoadScenario(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	cfg := core.DefaultControllerConfig()
	cfg.StrictInvariants = true
	fc := NewFrameController(sc, timectrl.Accelerated)
	ctrl := core.NewGeoAnchorController(cfg, core.WithClock(fc))
	r := NewRunner(ctrl, sc, fc)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := map[string]model.LatLng{
		"north":  DefaultPresets["vilnius-north"],
		"west":   DefaultPresets["vilnius-west"],
		"square": {Lat: 54.6858, Lng: 25.2877},
	}
	for label, ll := range want {
		h, ok := r.Handle(label)
		if !ok {
			t.Fatalf("no anchor for %q: %+v", label, r.Placements())
		}
		a, ok := ctrl.Anchor(h)
		if !ok || a.Requested != ll {
			t.Errorf("%s anchor = %+v, want target %v", label, a, ll)
		}
	}
}
