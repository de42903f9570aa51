// Package health watches transport reachability and notifies observers
// only when the answer changes.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultProbeInterval is the time between reachability probes.
	DefaultProbeInterval = 10 * time.Second
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 2 * time.Second
)

// ProbeFunc performs one liveness check against the active transport.
type ProbeFunc func(ctx context.Context) error

// Options tune the monitor; zero values fall back to defaults.
type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	return o
}

// Monitor probes on a fixed interval and fires callbacks on
// reachable/unreachable edges. A steady state produces no callbacks.
type Monitor struct {
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	probe     ProbeFunc
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	reachable bool
	known     bool

	callbackMu sync.RWMutex
	callbacks  []func(reachable bool)
}

// NewMonitor creates a stopped monitor around a probe.
func NewMonitor(probe ProbeFunc, opts Options) (*Monitor, error) {
	if probe == nil {
		return nil, errors.New("health: probe is required")
	}

	return &Monitor{
		opts:  opts.withDefaults(),
		log:   logrus.WithField("component", "health"),
		probe: probe,
	}, nil
}

// SetProbe swaps the probe target. Used on a transport mode switch; the
// next tick probes the new target.
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.mu.Lock()
	m.probe = probe
	// The old verdict does not carry over to a new target.
	m.known = false
	m.mu.Unlock()
}

// OnChange registers an edge callback. Callbacks run on the monitor
// goroutine and must not block.
func (m *Monitor) OnChange(fn func(reachable bool)) {
	m.callbackMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.callbackMu.Unlock()
}

// IsReachable returns the last verdict. Before the first probe completes
// it reports false.
func (m *Monitor) IsReachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.reachable
}

// Start begins probing. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts probing. The monitor keeps its observers and can be started
// again.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	// First verdict without waiting a full interval.
	m.runProbe(ctx)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx)
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context) {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	reachable := err == nil

	m.mu.Lock()
	changed := !m.known || m.reachable != reachable
	m.reachable = reachable
	m.known = true
	m.mu.Unlock()

	if !changed {
		return
	}

	if reachable {
		m.log.Info("transport reachable")
	} else {
		m.log.WithError(err).Warn("transport unreachable")
	}

	m.callbackMu.RLock()
	callbacks := make([]func(bool), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbackMu.RUnlock()

	for _, fn := range callbacks {
		fn(reachable)
	}
}
