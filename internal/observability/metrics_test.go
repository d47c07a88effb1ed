package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/geoanchor/model"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGeoAnchorCollector(reg)
	if err != nil {
		t.Fatalf("NewGeoAnchorCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("geoanchor_rpc_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "geoanchor_rpc_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("geoanchor_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGeoAnchorCollector(reg)
	if err != nil {
		t.Fatalf("NewGeoAnchorCollector: %v", err)
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, _ = collector.UnaryServerInterceptor()(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("geoanchor_rpc_requests_total NotFound = %v, want 1", got)
	}
}

func TestObserveFrameSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGeoAnchorCollector(reg)
	if err != nil {
		t.Fatalf("NewGeoAnchorCollector: %v", err)
	}

	collector.ObserveFrame(model.TrackingGood, map[model.AnchorState]int{
		model.AnchorTracking: 3,
		model.AnchorLost:     1,
	}, 2*time.Millisecond)

	if got := testutil.ToFloat64(collector.TrackingQuality); got != float64(model.TrackingGood) {
		t.Fatalf("geoanchor_tracking_quality = %v, want %v", got, float64(model.TrackingGood))
	}
	for state, want := range map[string]float64{"pending": 0, "tracking": 3, "lost": 1} {
		if got := testutil.ToFloat64(collector.Anchors.WithLabelValues(state)); got != want {
			t.Fatalf("geoanchor_anchors{state=%q} = %v, want %v", state, got, want)
		}
	}
	if count := histogramSampleCount(t, reg, "geoanchor_frame_duration_seconds", nil); count != 1 {
		t.Fatalf("frame duration sample_count = %d, want 1", count)
	}
}

func TestCountersAndTransitions(t *testing.T) {
	collector, err := NewGeoAnchorCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewGeoAnchorCollector: %v", err)
	}

	collector.ObservePlacement(PlacementOK)
	collector.ObservePlacement(PlacementOK)
	collector.ObservePlacement(PlacementSessionNotReady)
	collector.ObserveResolution(true)
	collector.ObserveResolution(false)
	collector.ObserveQualityTransition(model.TrackingGood, model.NotTracking)
	collector.ObserveAnchorEvent("created", 1)
	collector.ObserveAnchorEvent("cleared", 3)
	collector.ObserveAnchorEvent("cleared", 0)

	if got := testutil.ToFloat64(collector.Placements.WithLabelValues(PlacementOK)); got != 2 {
		t.Fatalf("placements ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Placements.WithLabelValues(PlacementSessionNotReady)); got != 1 {
		t.Fatalf("placements session_not_ready = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Resolutions.WithLabelValues("unavailable")); got != 1 {
		t.Fatalf("resolutions unavailable = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.QualityTransitions.WithLabelValues("tracking_good", "not_tracking")); got != 1 {
		t.Fatalf("transitions good->not_tracking = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.AnchorEvents.WithLabelValues("created")); got != 1 {
		t.Fatalf("anchor events created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.AnchorEvents.WithLabelValues("cleared")); got != 3 {
		t.Fatalf("anchor events cleared = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.TrackingQuality); got != 0 {
		t.Fatalf("tracking quality after loss = %v, want 0", got)
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewGeoAnchorCollector(reg)
	if err != nil {
		t.Fatalf("first NewGeoAnchorCollector: %v", err)
	}
	second, err := NewGeoAnchorCollector(reg)
	if err != nil {
		t.Fatalf("second NewGeoAnchorCollector: %v", err)
	}
	first.ObservePlacement(PlacementOK)
	if got := testutil.ToFloat64(second.Placements.WithLabelValues(PlacementOK)); got != 1 {
		t.Fatalf("shared placements counter = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *GeoAnchorCollector
	c.ObserveFrame(model.TrackingGood, nil, time.Millisecond)
	c.ObservePlacement(PlacementOK)
	c.ObserveResolution(true)
	c.ObserveQualityTransition(model.NotTracking, model.Initializing)
}

func TestMetricsHandlerExposesGeoAnchorMetrics(t *testing.T) {
	collector, err := NewGeoAnchorCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewGeoAnchorCollector: %v", err)
	}
	collector.ObserveFrame(model.TrackingLowAccuracy, map[model.AnchorState]int{model.AnchorPending: 2}, time.Millisecond)
	collector.ObservePlacement(PlacementOK)
	collector.ObserveResolution(true)
	collector.ObserveQualityTransition(model.Initializing, model.TrackingLowAccuracy)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"geoanchor_tracking_quality",
		"geoanchor_quality_transitions_total",
		"geoanchor_anchors",
		"geoanchor_placements_total",
		"geoanchor_resolutions_total",
		"geoanchor_frame_duration_seconds",
		"geoanchor_rpc_requests_total",
		"geoanchor_rpc_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in, service, method string
	}{
		{"/grpc.health.v1.Health/Check", "Health", "Check"},
		{"Health/Watch", "Health", "Watch"},
		{"", "unknown", "unknown"},
		{"/bogus", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.method {
			t.Fatalf("SplitMethod(%q) = (%q, %q), want (%q, %q)", tc.in, s, m, tc.service, tc.method)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
