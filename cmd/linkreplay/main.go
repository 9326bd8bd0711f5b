// Command linkreplay replays a bandwidth trace against a network interface
// using tc, holding the interface to each sample's rate and latency until the
// next sample falls due.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/linkreplay/internal/controller"
	"github.com/signalsfoundry/linkreplay/internal/logging"
	"github.com/signalsfoundry/linkreplay/playback"
	"github.com/signalsfoundry/linkreplay/shaping"
	"github.com/signalsfoundry/linkreplay/trace"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitInvalid   = 2
	exitParse     = 3
	exitBackend   = 4
	exitCancelled = 5
)

func main() {
	iface := flag.String("interface", "", "network interface to shape, e.g. eth0")
	tracePath := flag.String("trace", "", "path to the trace file to replay")
	baseLatency := flag.Duration("base-latency", 50*time.Millisecond, "latency applied to samples without their own latency column")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	dryRun := flag.Bool("dry-run", false, "validate and replay the trace without executing tc")
	holdLast := flag.Bool("hold-last", true, "hold the final sample's shaping until interrupted")
	clearOnStop := flag.Bool("clear-on-stop", true, "remove all shaping from the interface when the run ends")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, log := logging.WithRunLogger(context.Background(), log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err := controller.Run(ctx, controller.Config{
		Interface:   *iface,
		TracePath:   *tracePath,
		BaseLatency: *baseLatency,
		MetricsAddr: *metricsAddr,
		DryRun:      *dryRun,
		HoldLast:    *holdLast,
		ClearOnStop: *clearOnStop,
		Logger:      log,
	})
	if err != nil {
		log.Error(ctx, "replay failed", logging.String("error", err.Error()))
	}
	os.Exit(exitCode(err))
}

// exitCode maps terminal errors to distinct process exit codes so a harness
// can tell bad input from a mid-run failure.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var verr *controller.ValidationError
	if errors.As(err, &verr) {
		return exitInvalid
	}
	var perr *trace.ParseError
	if errors.As(err, &perr) {
		return exitParse
	}
	if errors.Is(err, playback.ErrCancelled) {
		return exitCancelled
	}
	var berr *shaping.BackendError
	if errors.As(err, &berr) {
		return exitBackend
	}
	return exitFailure
}
