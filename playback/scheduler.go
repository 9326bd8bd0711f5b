// Package playback drives a shaping backend through a trace in lockstep
// with elapsed time. One Scheduler owns one run: a single goroutine walks
// the sample sequence, waits until each sample's due time, and applies it.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/linkreplay/internal/logging"
	"github.com/signalsfoundry/linkreplay/internal/observability"
	"github.com/signalsfoundry/linkreplay/shaping"
	"github.com/signalsfoundry/linkreplay/timectrl"
	"github.com/signalsfoundry/linkreplay/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// State is the lifecycle of one playback run.
type State int

const (
	// StateIdle: constructed, not yet started.
	StateIdle State = iota
	// StateRunning: walking the sample sequence.
	StateRunning
	// StateCompleted: every sample applied and the run stopped normally.
	StateCompleted
	// StateCancelled: stopped before the trace was exhausted.
	StateCancelled
	// StateFaulted: a backend failure ended the run.
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrCancelled reports an operator-requested stop before the trace was
// fully played back. Cleanup has still run when this is returned.
var ErrCancelled = errors.New("playback cancelled before trace completion")

// ApplyRecord describes one applied sample, for harnesses that verify the
// replay against the trace.
type ApplyRecord struct {
	Index    int
	Offset   time.Duration
	RateKbit int64
	Latency  time.Duration
	// Target is when the sample was due; Applied is when the backend call
	// returned; Skew is Applied - Target and is never negative, since a
	// sample is never applied early.
	Target  time.Time
	Applied time.Time
	Skew    time.Duration
}

// Report summarises a finished run. It is returned in every terminal state,
// including cancelled and faulted runs, so the records gathered so far are
// never lost.
type Report struct {
	Start   time.Time
	End     time.Time
	State   State
	Applied []ApplyRecord
	MaxSkew time.Duration
}

// Scheduler replays one trace against one backend. Construct with
// NewScheduler; a Scheduler is single-use.
type Scheduler struct {
	tr          *trace.Trace
	backend     shaping.Backend
	clock       timectrl.Clock
	log         logging.Logger
	metrics     *observability.PlaybackCollector
	baseLatency time.Duration
	holdLast    bool
	clearOnStop bool

	mu     sync.Mutex
	state  State
	shaped *shaping.Config // last configuration successfully applied
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, e.g. with a timectrl.VirtualClock.
func WithClock(c timectrl.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithCollector attaches playback metrics.
func WithCollector(c *observability.PlaybackCollector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithBaseLatency sets the delay used for samples that do not carry their
// own latency field.
func WithBaseLatency(d time.Duration) Option {
	return func(s *Scheduler) { s.baseLatency = d }
}

// WithHoldLast controls end-of-trace behaviour. When true (the default) the
// final sample's configuration is held until the run's context is
// cancelled, and that stop counts as normal completion. When false the run
// completes as soon as the final sample has been applied.
func WithHoldLast(hold bool) Option {
	return func(s *Scheduler) { s.holdLast = hold }
}

// WithClearOnStop controls whether the interface is returned to an unshaped
// state when a run completes normally. Defaults to true. Cancelled and
// faulted runs always attempt a clear.
func WithClearOnStop(clear bool) Option {
	return func(s *Scheduler) { s.clearOnStop = clear }
}

// NewScheduler constructs an idle scheduler for one run of tr against
// backend.
func NewScheduler(tr *trace.Trace, backend shaping.Backend, opts ...Option) *Scheduler {
	s := &Scheduler{
		tr:          tr,
		backend:     backend,
		clock:       timectrl.System(),
		log:         logging.Noop(),
		holdLast:    true,
		clearOnStop: true,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ShapingState returns the last configuration successfully applied during
// an active run. It reports false while idle and after the run has ended,
// when the state has been discarded.
func (s *Scheduler) ShapingState() (shaping.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shaped == nil {
		return shaping.Config{}, false
	}
	return *s.shaped, true
}

// Run plays the trace to completion, cancellation, or fault. It blocks
// until the run reaches a terminal state and always returns a Report.
//
// Cancellation is cooperative: ctx is checked only at the wait before each
// sample, never mid-apply. Target times are computed from the run's start,
// so one late apply does not shift later samples; a sample whose due time
// has already passed is applied immediately and its skew recorded.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("playback: Run called on %s scheduler", state)
	}
	s.state = StateRunning
	s.mu.Unlock()

	tracer := otel.Tracer("github.com/signalsfoundry/linkreplay/playback")
	ctx, runSpan := tracer.Start(ctx, "playback.run",
		oteltrace.WithAttributes(attribute.Int("trace.samples", s.tr.Len())))
	defer runSpan.End()

	s.metrics.SetTraceSamples(s.tr.Len())

	start := s.clock.Now()
	report := &Report{Start: start}

	s.log.Info(ctx, "playback starting",
		logging.Int("samples", s.tr.Len()),
		logging.Duration("trace_duration", s.tr.Duration()),
		logging.Duration("base_latency", s.baseLatency),
	)

	cleared := false
	clearOnce := func(state State) {
		if cleared {
			return
		}
		cleared = true
		if err := s.backend.Clear(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn(ctx, "failed to clear shaping during shutdown",
				logging.String("terminal_state", state.String()),
				logging.String("error", err.Error()),
			)
			return
		}
		s.metrics.ClearShapingGauges()
	}

	finish := func(state State) {
		s.mu.Lock()
		s.state = state
		s.shaped = nil
		s.mu.Unlock()
		report.State = state
		report.End = s.clock.Now()
		runSpan.SetAttributes(attribute.String("playback.state", state.String()))
	}

	for i, sample := range s.tr.Samples {
		target := start.Add(sample.Offset)

		if wait := target.Sub(s.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				s.log.Info(ctx, "playback cancelled while waiting",
					logging.Int("next_sample", i),
					logging.Duration("next_offset", sample.Offset),
				)
				clearOnce(StateCancelled)
				finish(StateCancelled)
				return report, fmt.Errorf("playback: waiting for sample %d (offset %s): %w",
					i, sample.Offset, ErrCancelled)
			case <-s.clock.After(wait):
			}
		} else {
			// Already due; still honour a pending cancellation.
			select {
			case <-ctx.Done():
				clearOnce(StateCancelled)
				finish(StateCancelled)
				return report, fmt.Errorf("playback: before sample %d (offset %s): %w",
					i, sample.Offset, ErrCancelled)
			default:
			}
		}

		cfg := shaping.Config{
			RateKbit: sample.RateKbit,
			Latency:  sample.ResolvedLatency(s.baseLatency),
		}

		_, applySpan := tracer.Start(ctx, "playback.apply", oteltrace.WithAttributes(
			attribute.Int("sample.index", i),
			attribute.String("sample.offset", sample.Offset.String()),
			attribute.Int64("sample.rate_kbit", cfg.RateKbit),
			attribute.String("sample.latency", cfg.Latency.String()),
		))
		err := s.backend.Apply(ctx, cfg)
		if err != nil {
			applySpan.RecordError(err)
			applySpan.End()
			s.log.Error(ctx, "shaping backend failed; faulting run",
				logging.Int("sample", i),
				logging.Duration("offset", sample.Offset),
				logging.String("error", err.Error()),
			)
			s.metrics.IncBackendErrors()
			clearOnce(StateFaulted)
			finish(StateFaulted)
			return report, fmt.Errorf("playback: applying sample %d (offset %s): %w",
				i, sample.Offset, err)
		}
		applySpan.End()

		applied := s.clock.Now()
		skew := applied.Sub(target)
		if skew < 0 {
			skew = 0
		}

		s.mu.Lock()
		c := cfg
		s.shaped = &c
		s.mu.Unlock()

		record := ApplyRecord{
			Index:    i,
			Offset:   sample.Offset,
			RateKbit: cfg.RateKbit,
			Latency:  cfg.Latency,
			Target:   target,
			Applied:  applied,
			Skew:     skew,
		}
		report.Applied = append(report.Applied, record)
		if skew > report.MaxSkew {
			report.MaxSkew = skew
		}

		s.metrics.ObserveApply(skew, cfg.RateKbit, cfg.Latency)
		s.log.Info(ctx, "applied sample",
			logging.Int("sample", i),
			logging.Duration("offset", sample.Offset),
			logging.Int64("rate_kbit", cfg.RateKbit),
			logging.Duration("latency", cfg.Latency),
			logging.Time("target", target),
			logging.Time("applied", applied),
			logging.Duration("skew", skew),
		)
	}

	if s.holdLast {
		// The last sample's configuration persists until the controller is
		// told to stop; a stop after exhaustion is normal completion.
		s.log.Info(ctx, "trace exhausted; holding final state until stop")
		<-ctx.Done()
	}

	if s.clearOnStop {
		clearOnce(StateCompleted)
	}
	finish(StateCompleted)
	s.log.Info(ctx, "playback completed",
		logging.Int("applied", len(report.Applied)),
		logging.Duration("max_skew", report.MaxSkew),
	)
	return report, nil
}
