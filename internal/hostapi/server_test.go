package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/observability"
	"github.com/signalsfoundry/geoanchor/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var devicePose = &model.GeoPose{
	Latitude:                      54.6872,
	Longitude:                     25.2797,
	Altitude:                      150,
	HorizontalAccuracyMeters:      3,
	VerticalAccuracyMeters:        2,
	OrientationYawAccuracyDegrees: 5,
}

func newTestServer(t *testing.T) (*core.GeoAnchorController, http.Handler) {
	t.Helper()
	collector, err := observability.NewGeoAnchorCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewGeoAnchorCollector: %v", err)
	}
	cfg := core.DefaultControllerConfig()
	cfg.MaxPoseAge = 0
	cfg.StrictInvariants = true
	ctrl := core.NewGeoAnchorController(cfg, core.WithRecorder(collector))
	return ctrl, New(ctrl, WithMetricsHandler(collector.Handler())).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestPlacementLifecycleOverHTTP(t *testing.T) {
	ctrl, h := newTestServer(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodPost, "/v1/anchors", `{"lat": 54.6858, "lng": 25.2877}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("placement before resume: status %d, body %s", rec.Code, rec.Body)
	}

	if rec := do(t, h, http.MethodPost, "/v1/session/resumed", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("resume: status %d", rec.Code)
	}
	ctrl.OnFrame(ctx, devicePose, true)

	rec = do(t, h, http.MethodPost, "/v1/anchors", `{"lat": 54.6858, "lng": 25.2877, "alt": 152}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("placement: status %d, body %s", rec.Code, rec.Body)
	}
	var placed struct {
		Handle string `json:"handle"`
	}
	decode(t, rec, &placed)
	if placed.Handle == "" {
		t.Fatalf("empty handle in %s", rec.Body)
	}

	ctrl.OnFrame(ctx, devicePose, true)

	rec = do(t, h, http.MethodGet, "/v1/frame", "")
	var frame frameJSON
	decode(t, rec, &frame)
	if frame.Quality != "tracking_good" || len(frame.Anchors) != 1 {
		t.Fatalf("frame = %+v", frame)
	}
	if v := frame.Anchors[0]; v.Handle != placed.Handle || !v.Visible || v.Transform == nil || v.State != "tracking" {
		t.Fatalf("anchor view = %+v", v)
	}

	rec = do(t, h, http.MethodGet, "/v1/anchors/"+placed.Handle, "")
	var a anchorJSON
	decode(t, rec, &a)
	if a.Lat != 54.6858 || a.Alt == nil || *a.Alt != 152 {
		t.Fatalf("anchor = %+v", a)
	}

	for i, wantRemoved := range []bool{true, false} {
		rec := do(t, h, http.MethodDelete, "/v1/anchors/"+placed.Handle, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("delete #%d: status %d, body %s", i+1, rec.Code, rec.Body)
		}
		var res struct {
			Handle  string `json:"handle"`
			Removed bool   `json:"removed"`
		}
		decode(t, rec, &res)
		if res.Handle != placed.Handle || res.Removed != wantRemoved {
			t.Fatalf("delete #%d = %+v, want removed=%v", i+1, res, wantRemoved)
		}
	}
	if rec := do(t, h, http.MethodDelete, "/v1/anchors/never-placed", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete of unknown handle: status %d", rec.Code)
	}

	var list struct {
		Anchors []anchorJSON `json:"anchors"`
	}
	decode(t, do(t, h, http.MethodGet, "/v1/anchors", ""), &list)
	if len(list.Anchors) != 0 {
		t.Fatalf("anchors after delete = %+v", list.Anchors)
	}
}

func TestPlacementValidation(t *testing.T) {
	ctrl, h := newTestServer(t)
	ctrl.Start()
	ctrl.OnFrame(context.Background(), devicePose, true)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing lng", `{"lat": 1}`, "invalid_request"},
		{"not json", `lat=1`, "invalid_request"},
		{"latitude out of range", `{"lat": 91, "lng": 0}`, "invalid_coordinate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/anchors", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d, want 400", rec.Code)
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["error"] != tt.code {
				t.Fatalf("error code %q, want %q", body["error"], tt.code)
			}
		})
	}
}

func TestDestroyedSession(t *testing.T) {
	_, h := newTestServer(t)

	if rec := do(t, h, http.MethodPost, "/v1/session/destroyed", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("destroy: status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/anchors", `{"lat": 1, "lng": 1}`); rec.Code != http.StatusGone {
		t.Fatalf("placement after destroy: status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz after destroy: status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/session/exploded", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown event: status %d", rec.Code)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	_, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("request id header = %q, want req-42", got)
	}

	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing generated request id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ctrl, h := newTestServer(t)
	ctrl.Start()
	ctrl.OnFrame(context.Background(), devicePose, true)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "geoanchor_tracking_quality") {
		t.Fatalf("metrics output missing tracking quality gauge")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", model.ErrInvalidCoordinate), http.StatusBadRequest},
		{model.ErrSessionNotReady, http.StatusConflict},
		{model.ErrSessionDestroyed, http.StatusGone},
		{model.ErrPoseUnavailable, http.StatusServiceUnavailable},
		{ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestLongitudeIsReportedWrapped(t *testing.T) {
	anti := model.LatLng{Lat: -16.5, Lng: 180}

	a := toAnchorJSON(model.Anchor{Handle: "a", Requested: anti, State: model.AnchorTracking})
	if a.Lng != -180 {
		t.Fatalf("anchor lng = %v, want -180", a.Lng)
	}

	frame := toFrameJSON(core.FramePayload{
		Frame:   1,
		Quality: model.TrackingGood,
		Anchors: []core.AnchorView{{Handle: "a", Requested: anti, State: model.AnchorTracking}},
	})
	if got := frame.Anchors[0].Lng; got != -180 {
		t.Fatalf("frame anchor lng = %v, want -180", got)
	}
	if got := toAnchorJSON(model.Anchor{Requested: model.LatLng{Lat: 54.7, Lng: 25.28}}).Lng; got != 25.28 {
		t.Fatalf("in-range lng changed: %v", got)
	}
}
