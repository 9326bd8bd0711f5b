package shaping

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/signalsfoundry/linkreplay/internal/logging"
)

// DefaultBurstBytes is the HTB burst buffer size used for the rate-limited
// class.
const DefaultBurstBytes = 15000

// CommandRunner executes one external command and returns its combined
// output. Injectable so TCBackend can be tested without tc or root.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(_ context.Context, name string, args ...string) ([]byte, error) {
	// Deliberately not exec.CommandContext: a cancelled run must not kill a
	// tc invocation halfway through a qdisc change.
	return exec.Command(name, args...).CombinedOutput()
}

// TCBackend shapes a Linux interface with the tc tool: an HTB root qdisc
// carries the rate limit and a netem child carries the delay.
//
// The first Apply installs the qdisc tree; later Applies issue only change
// commands against the existing tree, so reconfiguration never tears down
// queues holding in-flight traffic. Requires CAP_NET_ADMIN.
type TCBackend struct {
	iface      string
	burstBytes int
	runner     CommandRunner
	log        logging.Logger

	installed bool
	last      Config
}

// TCOption customises a TCBackend.
type TCOption func(*TCBackend)

// WithRunner replaces the external command runner.
func WithRunner(r CommandRunner) TCOption {
	return func(b *TCBackend) { b.runner = r }
}

// WithBurstBytes overrides the HTB burst buffer size.
func WithBurstBytes(n int) TCOption {
	return func(b *TCBackend) { b.burstBytes = n }
}

// WithLogger attaches a logger; every tc invocation is logged at debug.
func WithLogger(l logging.Logger) TCOption {
	return func(b *TCBackend) { b.log = l }
}

// NewTCBackend constructs a backend bound to the named interface.
func NewTCBackend(iface string, opts ...TCOption) *TCBackend {
	b := &TCBackend{
		iface:      iface,
		burstBytes: DefaultBurstBytes,
		runner:     execRunner,
		log:        logging.Noop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Apply installs or updates the shaping configuration. Re-applying the
// current configuration is a no-op.
func (b *TCBackend) Apply(ctx context.Context, cfg Config) error {
	if b.installed && cfg == b.last {
		return nil
	}

	if !b.installed {
		if err := b.install(ctx, cfg); err != nil {
			return err
		}
		b.installed = true
		b.last = cfg
		return nil
	}

	// Rate changes ride on the existing class; the netem qdisc underneath
	// is untouched unless the delay itself changed.
	if cfg.RateKbit != b.last.RateKbit {
		if err := b.tc(ctx, "change rate",
			"class", "change", "dev", b.iface, "parent", "1:", "classid", "1:1",
			"htb", "rate", fmt.Sprintf("%dkbit", cfg.RateKbit),
			"burst", fmt.Sprintf("%d", b.burstBytes),
		); err != nil {
			return err
		}
	}
	if cfg.Latency != b.last.Latency {
		if err := b.tc(ctx, "change delay",
			"qdisc", "change", "dev", b.iface, "parent", "1:1", "handle", "10:",
			"netem", "delay", formatDelay(cfg.Latency),
		); err != nil {
			return err
		}
	}

	b.last = cfg
	return nil
}

// install builds the qdisc tree: HTB root with a single rate-limited class,
// a netem child for delay, and a catch-all filter classifying IP traffic
// into the limited class.
func (b *TCBackend) install(ctx context.Context, cfg Config) error {
	// Delete any stale root qdisc for a clean slate; a missing qdisc is not
	// an error here.
	out, err := b.run(ctx, "qdisc", "del", "dev", b.iface, "root")
	if err != nil && !deletableAbsence(out) {
		return &BackendError{Iface: b.iface, Op: "delete stale qdisc", Cause: commandError(err, out)}
	}

	steps := []struct {
		op   string
		args []string
	}{
		{"add root qdisc", []string{
			"qdisc", "add", "dev", b.iface, "root", "handle", "1:", "htb", "default", "10"}},
		{"add rate class", []string{
			"class", "add", "dev", b.iface, "parent", "1:", "classid", "1:1",
			"htb", "rate", fmt.Sprintf("%dkbit", cfg.RateKbit),
			"burst", fmt.Sprintf("%d", b.burstBytes)}},
		{"add netem qdisc", []string{
			"qdisc", "add", "dev", b.iface, "parent", "1:1", "handle", "10:",
			"netem", "delay", formatDelay(cfg.Latency)}},
		{"add filter", []string{
			"filter", "add", "dev", b.iface, "parent", "1:", "protocol", "ip", "prio", "1",
			"u32", "match", "ip", "src", "0.0.0.0/0", "match", "ip", "dst", "0.0.0.0/0",
			"flowid", "1:1"}},
	}
	for _, step := range steps {
		if err := b.tc(ctx, step.op, step.args...); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes the root qdisc, returning the interface to its unshaped
// state. Clearing an already-unshaped interface succeeds.
func (b *TCBackend) Clear(ctx context.Context) error {
	out, err := b.run(ctx, "qdisc", "del", "dev", b.iface, "root")
	b.installed = false
	b.last = Config{}
	if err != nil && !deletableAbsence(out) {
		return &BackendError{Iface: b.iface, Op: "clear", Cause: commandError(err, out)}
	}
	return nil
}

func (b *TCBackend) tc(ctx context.Context, op string, args ...string) error {
	out, err := b.run(ctx, args...)
	if err != nil {
		return &BackendError{Iface: b.iface, Op: op, Cause: commandError(err, out)}
	}
	return nil
}

func (b *TCBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	b.log.Debug(ctx, "tc invocation",
		logging.String("iface", b.iface),
		logging.String("args", strings.Join(args, " ")),
	)
	return b.runner(ctx, "tc", args...)
}

// deletableAbsence recognises tc's complaints about deleting a qdisc that
// is not there, which are harmless during cleanup and initial install.
func deletableAbsence(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "No such file or directory") ||
		strings.Contains(s, "Invalid handle") ||
		strings.Contains(s, "RTNETLINK answers: No such")
}

func commandError(err error, out []byte) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}

// formatDelay renders a duration the way tc netem expects, in milliseconds.
func formatDelay(d time.Duration) string {
	return fmt.Sprintf("%gms", float64(d)/float64(time.Millisecond))
}
