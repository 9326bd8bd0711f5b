package shaping

import (
	"context"
	"errors"
	"sync"
)

// FakeBackend is a Backend that records every call instead of touching the
// network. It backs unit tests and the controller's dry-run mode, where a
// trace is played against a trace of calls rather than an interface.
type FakeBackend struct {
	iface string

	mu      sync.Mutex
	applies []Config
	current *Config
	clears  int

	failAtApply int // 1-based Apply call index that fails; 0 = never
	clearErr    error
}

// NewFakeBackend constructs a recording backend "bound" to iface.
func NewFakeBackend(iface string) *FakeBackend {
	return &FakeBackend{iface: iface}
}

// FailAtApply makes the n-th Apply call (1-based) return a BackendError.
func (f *FakeBackend) FailAtApply(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAtApply = n
}

// FailClear makes every Clear call return a BackendError.
func (f *FakeBackend) FailClear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearErr = errors.New("injected clear failure")
}

// Apply records cfg as the current configuration.
func (f *FakeBackend) Apply(_ context.Context, cfg Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAtApply > 0 && len(f.applies)+1 == f.failAtApply {
		return &BackendError{Iface: f.iface, Op: "apply", Cause: errors.New("injected apply failure")}
	}

	f.applies = append(f.applies, cfg)
	c := cfg
	f.current = &c
	return nil
}

// Clear drops the current configuration.
func (f *FakeBackend) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clears++
	if f.clearErr != nil {
		return &BackendError{Iface: f.iface, Op: "clear", Cause: f.clearErr}
	}
	f.current = nil
	return nil
}

// Applies returns a copy of every successfully applied configuration, in
// call order.
func (f *FakeBackend) Applies() []Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Config, len(f.applies))
	copy(out, f.applies)
	return out
}

// Current returns the configuration currently in force, if any.
func (f *FakeBackend) Current() (Config, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return Config{}, false
	}
	return *f.current, true
}

// Clears returns how many times Clear was called.
func (f *FakeBackend) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}
