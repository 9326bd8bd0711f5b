package playback

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/linkreplay/shaping"
	"github.com/signalsfoundry/linkreplay/timectrl"
	"github.com/signalsfoundry/linkreplay/trace"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testTrace(t *testing.T) *trace.Trace {
	t.Helper()
	return &trace.Trace{Samples: []trace.Sample{
		{Offset: 0, RateKbit: 5000},
		{Offset: 2 * time.Second, RateKbit: 2500},
		{Offset: 5 * time.Second, RateKbit: 1000, Latency: 80 * time.Millisecond, HasLatency: true},
	}}
}

type runResult struct {
	report *Report
	err    error
}

// startRun launches sched.Run in a goroutine and returns the result channel.
func startRun(ctx context.Context, sched *Scheduler) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		report, err := sched.Run(ctx)
		done <- runResult{report, err}
	}()
	return done
}

// waitForWaiter blocks until the scheduler is parked on the virtual clock,
// i.e. it has reached its suspension point for the next sample.
func waitForWaiter(t *testing.T, vc *timectrl.VirtualClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for vc.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never parked on the virtual clock")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForApplies(t *testing.T, backend *shaping.FakeBackend, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(backend.Applies()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("backend saw %d applies, want %d", len(backend.Applies()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRun_AppliesSamplesAtTraceTimes(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	sched := NewScheduler(testTrace(t), backend,
		WithClock(vc),
		WithBaseLatency(50*time.Millisecond),
		WithHoldLast(false),
	)

	done := startRun(context.Background(), sched)

	// Sample 0 is due immediately; the scheduler then parks until 2s.
	waitForApplies(t, backend, 1)
	waitForWaiter(t, vc)
	vc.Advance(2 * time.Second)

	waitForApplies(t, backend, 2)
	waitForWaiter(t, vc)
	vc.Advance(3 * time.Second)

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}
	if res.report.State != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", res.report.State)
	}

	applies := backend.Applies()
	want := []shaping.Config{
		{RateKbit: 5000, Latency: 50 * time.Millisecond},
		{RateKbit: 2500, Latency: 50 * time.Millisecond},
		{RateKbit: 1000, Latency: 80 * time.Millisecond}, // per-sample override
	}
	if len(applies) != len(want) {
		t.Fatalf("backend saw %d applies, want %d", len(applies), len(want))
	}
	for i := range want {
		if applies[i] != want[i] {
			t.Fatalf("apply %d = %v, want %v", i, applies[i], want[i])
		}
	}

	// On a virtual clock every sample lands exactly on its target.
	wantTimes := []time.Time{
		testStart,
		testStart.Add(2 * time.Second),
		testStart.Add(5 * time.Second),
	}
	for i, rec := range res.report.Applied {
		if !rec.Applied.Equal(wantTimes[i]) {
			t.Fatalf("sample %d applied at %v, want %v", i, rec.Applied, wantTimes[i])
		}
		if rec.Skew != 0 {
			t.Fatalf("sample %d skew = %v, want 0", i, rec.Skew)
		}
	}
	if res.report.MaxSkew != 0 {
		t.Fatalf("MaxSkew = %v, want 0", res.report.MaxSkew)
	}
}

func TestRun_SingleSampleAppliesImmediately(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	tr := &trace.Trace{Samples: []trace.Sample{{Offset: 0, RateKbit: 3000}}}
	sched := NewScheduler(tr, backend,
		WithClock(vc),
		WithHoldLast(false),
		WithClearOnStop(false),
	)

	// The clock is never advanced: a single sample at offset 0 must not wait.
	report, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.State != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", report.State)
	}
	if got := backend.Applies(); len(got) != 1 || got[0].RateKbit != 3000 {
		t.Fatalf("Applies() = %v, want one 3000kbit apply", got)
	}
	// ClearOnStop is off, so the static condition is left in force.
	if _, ok := backend.Current(); !ok {
		t.Fatal("backend was cleared despite ClearOnStop(false)")
	}
	if backend.Clears() != 0 {
		t.Fatalf("Clears() = %d, want 0", backend.Clears())
	}
}

func TestRun_LateSamplesApplyImmediatelyWithSkew(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	sched := NewScheduler(testTrace(t), backend,
		WithClock(vc),
		WithHoldLast(false),
	)

	done := startRun(context.Background(), sched)

	waitForApplies(t, backend, 1)
	waitForWaiter(t, vc)
	// Jump well past both remaining targets in one step, as if an apply had
	// stalled. Both samples become due at once.
	vc.Advance(7 * time.Second)

	res := <-done
	if res.err != nil {
		t.Fatalf("Run: %v", res.err)
	}

	recs := res.report.Applied
	if len(recs) != 3 {
		t.Fatalf("applied %d samples, want 3", len(recs))
	}
	// Sample 1 was due at 2s but fires at 7s; sample 2 was due at 5s and is
	// applied immediately afterwards, also at 7s.
	if recs[1].Skew != 5*time.Second {
		t.Fatalf("sample 1 skew = %v, want 5s", recs[1].Skew)
	}
	if recs[2].Skew != 2*time.Second {
		t.Fatalf("sample 2 skew = %v, want 2s", recs[2].Skew)
	}
	if res.report.MaxSkew != 5*time.Second {
		t.Fatalf("MaxSkew = %v, want 5s", res.report.MaxSkew)
	}
}

func TestRun_CancelledMidWait(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	sched := NewScheduler(testTrace(t), backend, WithClock(vc))

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, sched)

	// Let sample 0 apply, then cancel while parked before sample 1.
	waitForApplies(t, backend, 1)
	waitForWaiter(t, vc)
	cancel()

	res := <-done
	if !errors.Is(res.err, ErrCancelled) {
		t.Fatalf("Run = %v, want ErrCancelled", res.err)
	}
	if res.report.State != StateCancelled {
		t.Fatalf("terminal state = %s, want cancelled", res.report.State)
	}
	if got := len(backend.Applies()); got != 1 {
		t.Fatalf("backend saw %d applies after cancellation, want 1", got)
	}
	if backend.Clears() != 1 {
		t.Fatalf("Clears() = %d, want exactly 1", backend.Clears())
	}
	if _, ok := backend.Current(); ok {
		t.Fatal("interface still shaped after cancellation cleanup")
	}
	if _, ok := sched.ShapingState(); ok {
		t.Fatal("ShapingState still set after run ended")
	}
}

func TestRun_BackendFaultStopsRun(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	backend.FailAtApply(2)
	sched := NewScheduler(testTrace(t), backend, WithClock(vc))

	done := startRun(context.Background(), sched)

	waitForApplies(t, backend, 1)
	waitForWaiter(t, vc)
	vc.Advance(2 * time.Second)

	res := <-done
	var be *shaping.BackendError
	if !errors.As(res.err, &be) {
		t.Fatalf("Run = %v, want BackendError", res.err)
	}
	if res.report.State != StateFaulted {
		t.Fatalf("terminal state = %s, want faulted", res.report.State)
	}

	// Only sample 0 succeeded; sample 2 must never be attempted.
	applies := backend.Applies()
	if len(applies) != 1 || applies[0].RateKbit != 5000 {
		t.Fatalf("Applies() = %v, want only the first sample", applies)
	}
	if backend.Clears() != 1 {
		t.Fatalf("Clears() = %d, want exactly 1", backend.Clears())
	}
	if _, ok := backend.Current(); ok {
		t.Fatal("interface still shaped after fault cleanup")
	}
	// The diagnostic identifies the failing sample.
	if got := res.err.Error(); !strings.Contains(got, "sample 1") || !strings.Contains(got, "2s") {
		t.Fatalf("fault diagnostic %q does not identify sample/offset", got)
	}
}

func TestRun_HoldLastCompletesOnStop(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	tr := &trace.Trace{Samples: []trace.Sample{{Offset: 0, RateKbit: 1000}}}
	sched := NewScheduler(tr, backend, WithClock(vc), WithHoldLast(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, sched)

	// The trace is exhausted but the run holds the final state until the
	// stop arrives; stopping now is normal completion, not cancellation.
	waitForApplies(t, backend, 1)
	cancel()

	res := <-done
	if res.err != nil {
		t.Fatalf("Run after hold+stop: %v", res.err)
	}
	if res.report.State != StateCompleted {
		t.Fatalf("terminal state = %s, want completed", res.report.State)
	}
	if backend.Clears() != 1 {
		t.Fatalf("Clears() = %d, want 1 (ClearOnStop default)", backend.Clears())
	}
}

func TestRun_FaultOnFirstSampleLeavesUnshaped(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	backend.FailAtApply(1)
	sched := NewScheduler(testTrace(t), backend, WithClock(vc))

	_, err := sched.Run(context.Background())
	var be *shaping.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Run = %v, want BackendError", err)
	}
	if got := len(backend.Applies()); got != 0 {
		t.Fatalf("backend recorded %d applies, want 0", got)
	}
	if _, ok := backend.Current(); ok {
		t.Fatal("interface shaped after first-sample fault")
	}
}

func TestRun_SecondRunRejected(t *testing.T) {
	backend := shaping.NewFakeBackend("veth0")
	tr := &trace.Trace{Samples: []trace.Sample{{Offset: 0, RateKbit: 1000}}}
	sched := NewScheduler(tr, backend, WithHoldLast(false))

	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := sched.Run(context.Background()); err == nil {
		t.Fatal("second Run on a finished scheduler succeeded")
	}
}

func TestRun_ClearFailureStillTerminates(t *testing.T) {
	vc := timectrl.NewVirtualClock(testStart)
	backend := shaping.NewFakeBackend("veth0")
	backend.FailClear()
	tr := &trace.Trace{Samples: []trace.Sample{{Offset: 0, RateKbit: 1000}}}
	sched := NewScheduler(tr, backend, WithClock(vc), WithHoldLast(false))

	report, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.State != StateCompleted {
		t.Fatalf("terminal state = %s, want completed despite clear failure", report.State)
	}
}
