// Command geoanchor-server hosts one anchor session: it replays a pose trace
// in real time, accepts placements over HTTP and reports tracking health
// over gRPC.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"google.golang.org/grpc/health"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/config"
	"github.com/signalsfoundry/geoanchor/internal/healthrpc"
	"github.com/signalsfoundry/geoanchor/internal/hostapi"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/internal/observability"
	"github.com/signalsfoundry/geoanchor/internal/replay"
	"github.com/signalsfoundry/geoanchor/timectrl"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "geoanchor-server:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(ctx, "geoanchor-server exited", logging.Err(err))
		os.Exit(1)
	}
}

// listeners carries the bound addresses back to tests.
type listeners struct {
	http net.Addr
	grpc net.Addr
}

func run(ctx context.Context, cfg config.Config, log logging.Logger, ready chan<- listeners) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewGeoAnchorCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	ctrlCfg, err := cfg.Controller()
	if err != nil {
		return err
	}

	var (
		sc *replay.Scenario
		fc *timectrl.FrameController
	)
	opts := []core.ControllerOption{core.WithLogger(log), core.WithRecorder(collector)}
	if cfg.Replay.Path != "" {
		sc, err = replay.LoadScenarioFile(cfg.Replay.Path)
		if err != nil {
			return err
		}
		mode := timectrl.RealTime
		if strings.EqualFold(cfg.Replay.Mode, "accelerated") {
			mode = timectrl.Accelerated
		}
		fc = replay.NewFrameController(sc, mode)
		opts = append(opts, core.WithClock(fc))
	}
	ctrl := core.NewGeoAnchorController(ctrlCfg, opts...)

	hs := health.NewServer()
	reporter := healthrpc.NewReporter(hs, log)
	grpcServer := healthrpc.NewServer(hs, log, collector.UnaryServerInterceptor())

	gin.SetMode(gin.ReleaseMode)
	api := hostapi.New(ctrl, hostapi.WithLogger(log), hostapi.WithMetricsHandler(collector.Handler()))
	httpServer := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.Server.HTTPAddr, err)
	}
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc %s: %w", cfg.Server.GRPCAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "serving host API", logging.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info(ctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if ready != nil {
		ready <- listeners{http: httpLis.Addr(), grpc: grpcLis.Addr()}
	}

	replayDone := make(chan error, 1)
	if sc != nil {
		runner := replay.NewRunner(ctrl, sc, fc,
			replay.WithLogger(log),
			replay.WithSink(func(ctx context.Context, _ uint64, p core.FramePayload) {
				reporter.Update(ctx, p.Quality, ctrl.Destroyed())
			}),
		)
		go func() { replayDone <- runner.Run(ctx) }()
	} else {
		log.Info(ctx, "no replay configured; session waits for lifecycle events")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	case err := <-replayDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		if runErr == nil {
			<-ctx.Done()
		}
	}

	log.Info(context.Background(), "shutting down geoanchor server")
	ctrl.Teardown()
	reporter.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http shutdown: %w", err)
	}
	return runErr
}
