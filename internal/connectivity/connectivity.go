// Package connectivity tracks whether the remote store is reachable.
package connectivity

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
)

// Checker answers "are we online right now". Push and pull consult it before
// every remote step.
type Checker interface {
	Online() bool
}

// Static is a Checker whose state is set by hand.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static in the given state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) Online() bool { return s.online.Load() }

// Set changes the reported state.
func (s *Static) Set(online bool) { s.online.Store(online) }

// Probe reports whether the remote is reachable.
type Probe func(ctx context.Context) error

// TCPProbe dials addr (host:port) and closes the connection.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn.Close()
	}
}

// Monitor runs a Probe on an interval and notifies subscribers of transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	online   atomic.Bool

	mu   sync.Mutex
	subs []chan bool
}

// NewMonitor returns a Monitor that starts in the offline state until the first probe.
func NewMonitor(probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{probe: probe, interval: interval}
}

func (m *Monitor) Online() bool { return m.online.Load() }

// Subscribe returns a channel receiving the new state on every transition.
// Slow subscribers miss intermediate states, never the latest one.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	online := err == nil
	prev := m.online.Swap(online)
	metrics.SetOnline(online)

	if prev != online {
		log := logger.FromContext(ctx)
		if online {
			log.Info().Msg("Remote store reachable")
		} else {
			log.Warn().Err(err).Msg("Remote store unreachable")
		}
		m.publish(online)
	}
	return online
}

func (m *Monitor) publish(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		// Replace a stale unread state with the current one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
