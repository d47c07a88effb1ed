// Command geoanchor-replay runs a scripted AR session trace through the
// anchor controller and prints one line per frame.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/config"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/internal/observability"
	"github.com/signalsfoundry/geoanchor/internal/replay"
	"github.com/signalsfoundry/geoanchor/timectrl"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "geoanchor-replay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("geoanchor-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scenarioPath := fs.String("scenario", "", "path to a YAML scenario (defaults to replay.path from config)")
	realtime := fs.Bool("realtime", false, "pace frames against the wall clock instead of stepping back to back")
	asJSON := fs.Bool("json", false, "print full frame payloads as JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Log.Output = stderr
	log := logging.New(cfg.Log)

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	path := *scenarioPath
	if path == "" {
		path = cfg.Replay.Path
	}
	if path == "" {
		return fmt.Errorf("no scenario given; pass -scenario or set GEOANCHOR_REPLAY_PATH")
	}
	sc, err := replay.LoadScenarioFile(path)
	if err != nil {
		return err
	}

	ctrlCfg, err := cfg.Controller()
	if err != nil {
		return err
	}
	collector, err := observability.NewGeoAnchorCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	mode := timectrl.Accelerated
	if *realtime {
		mode = timectrl.RealTime
	}
	fc := replay.NewFrameController(sc, mode)
	ctrl := core.NewGeoAnchorController(ctrlCfg,
		core.WithLogger(log),
		core.WithRecorder(collector),
		core.WithClock(fc),
	)

	enc := json.NewEncoder(stdout)
	sink := func(_ context.Context, frame uint64, p core.FramePayload) {
		if *asJSON {
			_ = enc.Encode(p)
			return
		}
		fmt.Fprintln(stdout, summarize(frame, p))
	}

	runner := replay.NewRunner(ctrl, sc, fc, replay.WithLogger(log), replay.WithSink(sink))
	if err := runner.Run(ctx); err != nil {
		return err
	}

	for _, p := range runner.Placements() {
		if p.Err != nil {
			log.Warn(ctx, "placement rejected during replay",
				logging.Int("frame", int(p.Frame)),
				logging.String("label", p.Label),
				logging.Err(p.Err),
			)
		}
	}
	ctrl.Teardown()
	return nil
}

func summarize(frame uint64, p core.FramePayload) string {
	visible := 0
	for _, a := range p.Anchors {
		if a.Visible {
			visible++
		}
	}
	line := fmt.Sprintf("frame=%d quality=%s anchors=%d visible=%d", frame, p.Quality, len(p.Anchors), visible)
	if p.Suspended {
		line += " suspended"
	}
	return line
}
