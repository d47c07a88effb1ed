package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/geoanchor/model"
)

// Placement outcomes recorded on geoanchor_placements_total.
const (
	PlacementOK                = "ok"
	PlacementSessionNotReady   = "session_not_ready"
	PlacementInvalidCoordinate = "invalid_coordinate"
	PlacementError             = "error"
)

// GeoAnchorCollector bundles Prometheus metrics for the anchor controller and
// the host's gRPC surface.
type GeoAnchorCollector struct {
	gatherer prometheus.Gatherer

	TrackingQuality    prometheus.Gauge
	QualityTransitions *prometheus.CounterVec
	Anchors            *prometheus.GaugeVec
	Placements         *prometheus.CounterVec
	Resolutions        *prometheus.CounterVec
	AnchorEvents       *prometheus.CounterVec
	FrameDuration      prometheus.Histogram

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewGeoAnchorCollector registers metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry reuses the existing collectors.
func NewGeoAnchorCollector(reg prometheus.Registerer) (*GeoAnchorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	quality, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoanchor_tracking_quality",
		Help: "Current session tracking quality (0=not_tracking, 1=initializing, 2=low_accuracy, 3=good).",
	}), "geoanchor_tracking_quality")
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoanchor_quality_transitions_total",
		Help: "Tracking quality transitions, labeled by source and destination quality.",
	}, []string{"from", "to"}), "geoanchor_quality_transitions_total")
	if err != nil {
		return nil, err
	}

	anchors, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geoanchor_anchors",
		Help: "Anchors currently held by the session, labeled by state.",
	}, []string{"state"}), "geoanchor_anchors")
	if err != nil {
		return nil, err
	}

	placements, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoanchor_placements_total",
		Help: "Anchor placement requests, labeled by outcome.",
	}, []string{"outcome"}), "geoanchor_placements_total")
	if err != nil {
		return nil, err
	}

	resolutions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoanchor_resolutions_total",
		Help: "Per-anchor pose resolutions, labeled by result.",
	}, []string{"result"}), "geoanchor_resolutions_total")
	if err != nil {
		return nil, err
	}

	events, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoanchor_anchor_events_total",
		Help: "Anchors added to or dropped from the store, labeled by event.",
	}, []string{"event"}), "geoanchor_anchor_events_total")
	if err != nil {
		return nil, err
	}

	frame, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoanchor_frame_duration_seconds",
		Help:    "Time spent producing one frame payload.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.0166, 0.033},
	}), "geoanchor_frame_duration_seconds")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoanchor_rpc_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "geoanchor_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoanchor_rpc_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "geoanchor_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &GeoAnchorCollector{
		gatherer:           gatherer,
		TrackingQuality:    quality,
		QualityTransitions: transitions,
		Anchors:            anchors,
		Placements:         placements,
		Resolutions:        resolutions,
		AnchorEvents:       events,
		FrameDuration:      frame,
		RPCRequests:        requests,
		RPCDurations:       durations,
	}, nil
}

// ObserveFrame satisfies core.FrameRecorder.
func (c *GeoAnchorCollector) ObserveFrame(q model.TrackingQuality, byState map[model.AnchorState]int, d time.Duration) {
	if c == nil {
		return
	}
	c.TrackingQuality.Set(float64(q))
	for _, st := range []model.AnchorState{model.AnchorPending, model.AnchorTracking, model.AnchorLost} {
		c.Anchors.WithLabelValues(st.String()).Set(float64(byState[st]))
	}
	c.FrameDuration.Observe(d.Seconds())
}

// ObservePlacement satisfies core.FrameRecorder.
func (c *GeoAnchorCollector) ObservePlacement(outcome string) {
	if c == nil {
		return
	}
	c.Placements.WithLabelValues(outcome).Inc()
}

// ObserveResolution satisfies core.FrameRecorder.
func (c *GeoAnchorCollector) ObserveResolution(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "unavailable"
	}
	c.Resolutions.WithLabelValues(result).Inc()
}

// ObserveAnchorEvent satisfies core.FrameRecorder. n is the number of
// anchors affected; a clear reports every anchor it dropped.
func (c *GeoAnchorCollector) ObserveAnchorEvent(event string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.AnchorEvents.WithLabelValues(event).Add(float64(n))
}

// ObserveQualityTransition satisfies core.FrameRecorder.
func (c *GeoAnchorCollector) ObserveQualityTransition(from, to model.TrackingQuality) {
	if c == nil {
		return
	}
	c.QualityTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.TrackingQuality.Set(float64(to))
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *GeoAnchorCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GeoAnchorCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
