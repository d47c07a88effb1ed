// Package hostapi exposes a GeoAnchorController over HTTP for host UIs:
// map taps become placements and the renderer polls frame payloads.
package hostapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/model"
)

// Controller is the slice of GeoAnchorController the API drives.
type Controller interface {
	OnSessionLifecycle(ctx context.Context, ev model.LifecycleEvent) error
	OnPlacementRequest(ctx context.Context, lat, lng float64, alt *float64) (model.AnchorHandle, error)
	RemoveAnchor(ctx context.Context, h model.AnchorHandle) bool
	Anchors() []model.Anchor
	Anchor(h model.AnchorHandle) (model.Anchor, bool)
	Latest() core.FramePayload
	Quality() model.TrackingQuality
	Destroyed() bool
}

var _ Controller = (*core.GeoAnchorController)(nil)

// Server holds the HTTP handlers.
type Server struct {
	ctrl    Controller
	log     logging.Logger
	metrics http.Handler
}

// Option customises a Server.
type Option func(*Server)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New constructs a Server around ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	v1 := r.Group("/v1")
	v1.POST("/anchors", s.placeAnchor)
	v1.GET("/anchors", s.listAnchors)
	v1.GET("/anchors/:handle", s.getAnchor)
	v1.DELETE("/anchors/:handle", s.removeAnchor)
	v1.GET("/frame", s.latestFrame)
	v1.POST("/session/:event", s.lifecycle)

	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// placeAnchor POST /v1/anchors
func (s *Server) placeAnchor(c *gin.Context) {
	var req placeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid_request", "invalid JSON body: "+err.Error())
		return
	}

	h, err := s.ctrl.OnPlacementRequest(c.Request.Context(), *req.Lat, *req.Lng, req.Alt)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"handle": string(h)})
}

// listAnchors GET /v1/anchors
func (s *Server) listAnchors(c *gin.Context) {
	anchors := s.ctrl.Anchors()
	out := make([]anchorJSON, 0, len(anchors))
	for _, a := range anchors {
		out = append(out, toAnchorJSON(a))
	}
	c.JSON(http.StatusOK, gin.H{"anchors": out})
}

// getAnchor GET /v1/anchors/:handle
func (s *Server) getAnchor(c *gin.Context) {
	a, ok := s.ctrl.Anchor(model.AnchorHandle(c.Param("handle")))
	if !ok {
		abortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toAnchorJSON(a))
}

// removeAnchor DELETE /v1/anchors/:handle
//
// Removing an unknown or already removed handle succeeds; removed reports
// whether this call deleted anything.
func (s *Server) removeAnchor(c *gin.Context) {
	h := c.Param("handle")
	removed := s.ctrl.RemoveAnchor(c.Request.Context(), model.AnchorHandle(h))
	c.JSON(http.StatusOK, gin.H{"handle": h, "removed": removed})
}

// latestFrame GET /v1/frame
func (s *Server) latestFrame(c *gin.Context) {
	c.JSON(http.StatusOK, toFrameJSON(s.ctrl.Latest()))
}

// lifecycle POST /v1/session/:event
func (s *Server) lifecycle(c *gin.Context) {
	ev, err := model.ParseLifecycleEvent(c.Param("event"))
	if err != nil {
		abortBadRequest(c, "unknown_event", err.Error())
		return
	}
	if err := s.ctrl.OnSessionLifecycle(c.Request.Context(), ev); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event": ev.String()})
}

// health GET /healthz
func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	state := "ok"
	if s.ctrl.Destroyed() {
		status = http.StatusServiceUnavailable
		state = "destroyed"
	}
	c.JSON(status, gin.H{
		"status":           state,
		"tracking_quality": s.ctrl.Quality().String(),
	})
}
