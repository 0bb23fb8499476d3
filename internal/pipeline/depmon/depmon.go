// Package depmon periodically probes the pipeline's external STT/TTS
// dependencies for liveness and reports status changes to the orchestrator.
//
// Each dependency is checked with a plain TCP dial: no protocol handshake,
// just "can we open a socket to this address within the timeout". On a
// down transition, depmon optionally fires a configured restart command,
// gated by a per-dependency cooldown so a persistently-down dependency
// does not get restarted every probe cycle.
package depmon

import (
	"context"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"
)

const (
	// probeTimeout bounds a single TCP dial attempt.
	probeTimeout = 1200 * time.Millisecond

	// probeInterval is how often every dependency is re-probed.
	probeInterval = 10 * time.Second

	// restartCooldown is the minimum time between two restart attempts for
	// the same dependency.
	restartCooldown = 60 * time.Second

	// restartTimeout bounds how long a restart command is allowed to run.
	restartTimeout = 10 * time.Second
)

// Dependency describes one externally-probed backend.
type Dependency struct {
	// Name identifies the dependency in Status values and log output
	// (e.g. "stt", "tts").
	Name string

	// Addr is the host:port dialed to check liveness.
	Addr string

	// RestartCmd, if non-empty, is executed (via os/exec) when this
	// dependency transitions to down, subject to restartCooldown. A nil or
	// empty slice disables auto-restart for this dependency.
	RestartCmd []string
}

// Status reports a dependency's current liveness, published to the
// orchestrator's onStatusChange callback on every transition.
type Status struct {
	Name string
	Up   bool
}

// dialFunc matches net.DialTimeout's signature, overridable in tests.
type dialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// execFunc runs a restart command, overridable in tests.
type execFunc func(ctx context.Context, cmd []string) error

// Option is a functional option for [New].
type Option func(*Monitor)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithDial overrides the TCP dial function used to probe dependencies.
// Intended for tests.
func WithDial(dial dialFunc) Option {
	return func(m *Monitor) { m.dial = dial }
}

// WithExec overrides the restart command runner. Intended for tests.
func WithExec(exec execFunc) Option {
	return func(m *Monitor) { m.exec = exec }
}

// Monitor periodically probes a fixed set of dependencies and reports
// status transitions. It mutates no orchestrator state directly; callers
// wire onStatusChange to the orchestrator's exported OnDependencyStatus
// method per the pipeline's single-mutator-per-periodic-task rule.
type Monitor struct {
	deps           []Dependency
	onStatusChange func(Status)
	log            *slog.Logger
	dial           dialFunc
	exec           execFunc

	mu          sync.Mutex
	up          map[string]bool
	lastRestart map[string]time.Time
}

// New constructs a Monitor for deps, invoking onStatusChange on every
// up/down transition.
func New(deps []Dependency, onStatusChange func(Status), opts ...Option) *Monitor {
	m := &Monitor{
		deps:           deps,
		onStatusChange: onStatusChange,
		log:            slog.Default().With("component", "depmon"),
		dial: func(network, address string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout(network, address, timeout)
		},
		exec: func(ctx context.Context, cmd []string) error {
			c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
			return c.Run()
		},
		up:          make(map[string]bool, len(deps)),
		lastRestart: make(map[string]time.Time, len(deps)),
	}
	for _, d := range deps {
		m.up[d.Name] = true // assume up until the first probe says otherwise
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run probes every dependency immediately, then every probeInterval, until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.probeAll(ctx)

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for _, d := range m.deps {
		m.probeOne(ctx, d)
	}
}

func (m *Monitor) probeOne(ctx context.Context, d Dependency) {
	up := m.dialProbe(d)

	m.mu.Lock()
	wasUp := m.up[d.Name]
	m.up[d.Name] = up
	m.mu.Unlock()

	if up == wasUp {
		return
	}

	m.log.Warn("dependency status changed", "name", d.Name, "up", up)
	if m.onStatusChange != nil {
		m.onStatusChange(Status{Name: d.Name, Up: up})
	}

	if !up && len(d.RestartCmd) > 0 {
		m.maybeRestart(ctx, d)
	}
}

func (m *Monitor) dialProbe(d Dependency) bool {
	conn, err := m.dial("tcp", d.Addr, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (m *Monitor) maybeRestart(ctx context.Context, d Dependency) {
	m.mu.Lock()
	last, fired := m.lastRestart[d.Name]
	if fired && time.Since(last) < restartCooldown {
		m.mu.Unlock()
		return
	}
	m.lastRestart[d.Name] = time.Now()
	m.mu.Unlock()

	restartCtx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	if err := m.exec(restartCtx, d.RestartCmd); err != nil {
		m.log.Warn("dependency restart command failed", "name", d.Name, "err", err)
	} else {
		m.log.Info("dependency restart command executed", "name", d.Name)
	}
}

// Status returns a snapshot of every dependency's last-known liveness.
func (m *Monitor) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.deps))
	for _, d := range m.deps {
		out = append(out, Status{Name: d.Name, Up: m.up[d.Name]})
	}
	return out
}
