// Package healthrpc serves the standard gRPC health protocol with serving
// status derived from session tracking quality.
package healthrpc

import (
	"context"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/model"
)

// TrackingService is the health service name whose status follows
// tracking quality. The empty service reports process liveness.
const TrackingService = "geoanchor.Tracking"

const requestIDMetadataKey = "x-request-id"

// StatusFor maps tracking quality onto a serving status. Anchors can only
// be rendered at TrackingLowAccuracy or better.
func StatusFor(q model.TrackingQuality, destroyed bool) healthpb.HealthCheckResponse_ServingStatus {
	if destroyed || !q.Renderable() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Reporter pushes session state into a health.Server, only touching it when
// the derived status changes.
type Reporter struct {
	srv *health.Server
	log logging.Logger

	mu        sync.Mutex
	tracking  healthpb.HealthCheckResponse_ServingStatus
	destroyed bool
}

// NewReporter registers both services as NOT_SERVING until the first update.
func NewReporter(srv *health.Server, log logging.Logger) *Reporter {
	if log == nil {
		log = logging.Noop()
	}
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(TrackingService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{srv: srv, log: log, tracking: healthpb.HealthCheckResponse_NOT_SERVING}
}

// Update records the latest tracking quality.
func (r *Reporter) Update(ctx context.Context, q model.TrackingQuality, destroyed bool) {
	next := StatusFor(q, destroyed)

	r.mu.Lock()
	defer r.mu.Unlock()
	if destroyed && !r.destroyed {
		r.destroyed = true
		r.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if next == r.tracking {
		return
	}
	r.tracking = next
	r.srv.SetServingStatus(TrackingService, next)
	r.log.Info(ctx, "tracking health changed",
		logging.String("status", next.String()),
		logging.Stringer("quality", q),
	)
}

// Shutdown marks every service NOT_SERVING; watchers are notified.
func (r *Reporter) Shutdown() {
	r.srv.Shutdown()
}

// NewServer builds a gRPC server with OpenTelemetry stats, request IDs and
// the given unary interceptors, and registers hs as the health service.
func NewServer(hs *health.Server, log logging.Logger, interceptors ...grpc.UnaryServerInterceptor) *grpc.Server {
	chain := append([]grpc.UnaryServerInterceptor{RequestIDUnaryServerInterceptor(log)}, interceptors...)
	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithRequestID(ctx, vals[0])
			}
		}
		ctx, _ = logging.EnsureRequestID(ctx)

		resp, err := handler(ctx, req)
		if err != nil {
			logging.FromContext(ctx, base).Warn(ctx, "rpc failed",
				logging.String("method", info.FullMethod),
				logging.Err(err),
			)
		}
		return resp, err
	}
}
