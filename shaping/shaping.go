// Package shaping abstracts the mechanism that applies bandwidth and
// latency constraints to a network interface. The playback scheduler only
// ever talks to the Backend interface; how a configuration is enforced on
// the wire belongs to the implementation behind it.
package shaping

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Config is one shaping configuration: an egress rate limit and an
// injected delay.
type Config struct {
	// RateKbit is the bandwidth limit in kbit/s.
	RateKbit int64
	// Latency is the delay to inject.
	Latency time.Duration
}

func (c Config) String() string {
	return fmt.Sprintf("%dkbit/%s", c.RateKbit, c.Latency)
}

// Backend applies shaping configurations to the single network interface it
// was constructed for.
//
// Apply must be idempotent, and must replace any prior configuration
// without an observable unshaped or partially-shaped window in between.
// Clear restores the interface to its unshaped state; it is safe to call
// when nothing is shaped.
//
// Implementations must not abort an in-flight reconfiguration when ctx is
// cancelled; cancellation is handled cooperatively by the caller between
// calls.
type Backend interface {
	Apply(ctx context.Context, cfg Config) error
	Clear(ctx context.Context) error
}

// BackendError reports a failure from the shaping mechanism. Backend errors
// are never retried: a reconfiguration that silently lags behind the trace
// timeline is worse than a failed run.
type BackendError struct {
	Iface string
	Op    string
	Cause error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("shaping: %s on %s: %v", e.Op, e.Iface, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// InterfaceExists reports whether a network interface with the given name
// is present on this host. The controller uses it as a pre-flight check;
// the interface is assumed to be otherwise idle.
func InterfaceExists(name string) (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, fmt.Errorf("shaping: list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return true, nil
		}
	}
	return false, nil
}
