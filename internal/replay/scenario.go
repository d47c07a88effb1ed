// Package replay feeds recorded or scripted AR session traces to a
// GeoAnchorController.
package replay

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/geoanchor/model"
)

// Scenario is a scripted session. Steps are keyed by 1-based frame index;
// frames without a step repeat the most recent pose and tracking flag.
type Scenario struct {
	Name          string        `yaml:"name"`
	Start         time.Time     `yaml:"start"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	// Length is the number of frames to emit. Zero means "up to the last step".
	Length uint64 `yaml:"length"`
	// Presets adds to or overrides DefaultPresets for this scenario.
	Presets map[string]model.LatLng `yaml:"presets"`
	Steps   []Step                  `yaml:"steps"`
}

// DefaultPresets are the named destinations every scenario can place by
// name.
var DefaultPresets = map[string]model.LatLng{
	"vilnius-north": {Lat: 54.7124, Lng: 25.2870},
	"vilnius-west":  {Lat: 54.7008, Lng: 25.2617},
}

// Step is everything that happens on one frame. Lifecycle events are
// applied first, then removals, then placements, then the frame itself.
type Step struct {
	Frame     uint64         `yaml:"frame"`
	Lifecycle []string       `yaml:"lifecycle"`
	Tracking  *bool          `yaml:"tracking"`
	Pose      *model.GeoPose `yaml:"pose"`
	// LosePose clears the held pose so the frame is delivered without one.
	LosePose bool        `yaml:"lose_pose"`
	Place    []Placement `yaml:"place"`
	Remove   []string    `yaml:"remove"`
}

// Placement is a scripted tap. Label lets later steps remove the anchor.
// Preset names a destination instead of giving Lat and Lng.
type Placement struct {
	Label  string   `yaml:"label"`
	Preset string   `yaml:"preset"`
	Lat    float64  `yaml:"lat"`
	Lng    float64  `yaml:"lng"`
	Alt    *float64 `yaml:"alt"`
}

// LoadScenarioFile reads a YAML scenario from disk.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadScenarioFile: %w", err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// LoadScenario decodes and validates a YAML scenario.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}
	if err := sc.normalize(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) normalize() error {
	if sc.FrameInterval < 0 {
		return fmt.Errorf("scenario %q: frame_interval must be positive", sc.Name)
	}
	if sc.FrameInterval == 0 {
		sc.FrameInterval = time.Second / 30
	}
	if sc.Start.IsZero() {
		sc.Start = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	presets := make(map[string]model.LatLng, len(DefaultPresets)+len(sc.Presets))
	for name, ll := range DefaultPresets {
		presets[name] = ll
	}
	for name, ll := range sc.Presets {
		if err := ll.Validate(); err != nil {
			return fmt.Errorf("scenario %q: preset %q: %w", sc.Name, name, err)
		}
		presets[name] = ll
	}

	sort.SliceStable(sc.Steps, func(i, j int) bool { return sc.Steps[i].Frame < sc.Steps[j].Frame })
	labels := make(map[string]bool)
	var last uint64
	for i, st := range sc.Steps {
		if st.Frame == 0 {
			return fmt.Errorf("scenario %q: step %d: frame indices start at 1", sc.Name, i)
		}
		if i > 0 && st.Frame == sc.Steps[i-1].Frame {
			return fmt.Errorf("scenario %q: duplicate step for frame %d", sc.Name, st.Frame)
		}
		for _, ev := range st.Lifecycle {
			if _, err := model.ParseLifecycleEvent(ev); err != nil {
				return fmt.Errorf("scenario %q: frame %d: %w", sc.Name, st.Frame, err)
			}
		}
		if st.Pose != nil && st.LosePose {
			return fmt.Errorf("scenario %q: frame %d: pose and lose_pose are exclusive", sc.Name, st.Frame)
		}
		for j, p := range st.Place {
			if p.Preset != "" {
				if p.Lat != 0 || p.Lng != 0 {
					return fmt.Errorf("scenario %q: frame %d: preset %q and lat/lng are exclusive", sc.Name, st.Frame, p.Preset)
				}
				ll, ok := presets[p.Preset]
				if !ok {
					return fmt.Errorf("scenario %q: frame %d: unknown preset %q", sc.Name, st.Frame, p.Preset)
				}
				sc.Steps[i].Place[j].Lat, sc.Steps[i].Place[j].Lng = ll.Lat, ll.Lng
			}
			if p.Label == "" {
				continue
			}
			if labels[p.Label] {
				return fmt.Errorf("scenario %q: frame %d: duplicate label %q", sc.Name, st.Frame, p.Label)
			}
			labels[p.Label] = true
		}
		last = st.Frame
	}
	if sc.Length == 0 {
		sc.Length = last
	}
	if sc.Length < last {
		return fmt.Errorf("scenario %q: length %d ends before step at frame %d", sc.Name, sc.Length, last)
	}
	return nil
}

func (sc *Scenario) stepIndex() map[uint64]Step {
	idx := make(map[uint64]Step, len(sc.Steps))
	for _, st := range sc.Steps {
		idx[st.Frame] = st
	}
	return idx
}
