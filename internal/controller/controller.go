// Package controller wires the trace parser, shaping backend, and playback
// scheduler into one runnable unit and validates operator input up front.
package controller

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/signalsfoundry/linkreplay/internal/logging"
	"github.com/signalsfoundry/linkreplay/internal/observability"
	"github.com/signalsfoundry/linkreplay/playback"
	"github.com/signalsfoundry/linkreplay/shaping"
	"github.com/signalsfoundry/linkreplay/timectrl"
	"github.com/signalsfoundry/linkreplay/trace"
)

// Config collects everything one playback run needs. Zero values are
// rejected by validation where a value is required.
type Config struct {
	// Interface is the network interface to shape, e.g. "eth0".
	Interface string
	// TracePath points at the trace file to replay.
	TracePath string
	// BaseLatency is applied to samples that carry no latency of their own.
	BaseLatency time.Duration
	// MetricsAddr, when non-empty, serves Prometheus metrics on that address
	// for the duration of the run.
	MetricsAddr string
	// DryRun substitutes a recording backend for tc, so a trace can be
	// checked end to end without touching the host.
	DryRun bool
	// HoldLast keeps the final sample's shaping in force until stop.
	HoldLast bool
	// ClearOnStop returns the interface to an unshaped state on completion.
	ClearOnStop bool

	// Logger defaults to a noop logger when nil.
	Logger logging.Logger
	// Clock defaults to the system clock when nil.
	Clock timectrl.Clock
}

// ValidationError reports operator input rejected before any shaping was
// attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validate(cfg Config) error {
	if cfg.Interface == "" {
		return &ValidationError{Field: "interface", Reason: "must not be empty"}
	}
	if !cfg.DryRun {
		exists, err := shaping.InterfaceExists(cfg.Interface)
		if err != nil {
			return &ValidationError{Field: "interface", Reason: fmt.Sprintf("listing interfaces: %v", err)}
		}
		if !exists {
			return &ValidationError{Field: "interface", Reason: fmt.Sprintf("%q does not exist", cfg.Interface)}
		}
	}
	if cfg.TracePath == "" {
		return &ValidationError{Field: "trace", Reason: "must not be empty"}
	}
	if _, err := os.Stat(cfg.TracePath); err != nil {
		return &ValidationError{Field: "trace", Reason: err.Error()}
	}
	if cfg.BaseLatency < 0 {
		return &ValidationError{Field: "base-latency", Reason: "must not be negative"}
	}
	return nil
}

// Run validates cfg, loads the trace, and plays it back against the
// configured interface. It blocks until the run reaches a terminal state and
// returns the playback report alongside any terminal error.
func Run(ctx context.Context, cfg Config) (*playback.Report, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timectrl.System()
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	tr, err := trace.ParseFile(cfg.TracePath)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "trace loaded",
		logging.String("path", cfg.TracePath),
		logging.Int("samples", tr.Len()),
		logging.Duration("duration", tr.Duration()),
	)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	var collector *observability.PlaybackCollector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		collector, err = observability.NewPlaybackCollector(nil)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		metricsSrv = serveMetrics(cfg.MetricsAddr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	var backend shaping.Backend
	if cfg.DryRun {
		log.Info(ctx, "dry run; shaping commands will not be executed",
			logging.String("interface", cfg.Interface))
		backend = shaping.NewFakeBackend(cfg.Interface)
	} else {
		backend = shaping.NewTCBackend(cfg.Interface, shaping.WithLogger(log))
	}

	sched := playback.NewScheduler(tr, backend,
		playback.WithClock(clock),
		playback.WithLogger(log),
		playback.WithCollector(collector),
		playback.WithBaseLatency(cfg.BaseLatency),
		playback.WithHoldLast(cfg.HoldLast),
		playback.WithClearOnStop(cfg.ClearOnStop),
	)

	report, runErr := sched.Run(ctx)
	if report != nil {
		log.Info(ctx, "playback finished",
			logging.String("state", report.State.String()),
			logging.Int("applied", len(report.Applied)),
			logging.Duration("max_skew", report.MaxSkew),
			logging.Duration("elapsed", report.End.Sub(report.Start)),
		)
	}
	return report, runErr
}

func serveMetrics(addr string, collector *observability.PlaybackCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.String("error", err.Error()))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
