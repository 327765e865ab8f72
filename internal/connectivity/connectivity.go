// Package connectivity answers "are we online right now?" and turns
// transitions into bus events the coordinator reacts to.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rayabelcode/touchbase/internal/eventbus"
	logx "github.com/rayabelcode/touchbase/pkg/logx"
)

// Probe is the point-in-time network check.
type Probe interface {
	Online(ctx context.Context) bool
}

type Config struct {
	Addr     string        // dialed to decide reachability
	Interval time.Duration // poll cadence
	Timeout  time.Duration // per-dial budget
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "1.1.1.1:53"
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	return c
}

// Monitor polls the probe address and publishes connectivity.online /
// connectivity.offline events on state transitions.
type Monitor struct {
	cfg   Config
	probe Probe
	bus   eventbus.Bus
	log   logx.Logger

	mu      sync.Mutex
	online  bool
	known   bool
	stopCh  chan struct{}
	stopped sync.WaitGroup
}

// NewMonitor builds a monitor around the given probe. A nil probe gets a
// TCP dial probe against cfg.Addr.
func NewMonitor(cfg Config, probe Probe, bus eventbus.Bus, log logx.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if probe == nil {
		probe = &dialProbe{addr: cfg.Addr, timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{cfg: cfg, probe: probe, bus: bus, log: log}
}

// Online runs the probe once. Safe to call whether or not the monitor
// loop is running.
func (m *Monitor) Online(ctx context.Context) bool {
	return m.probe.Online(ctx)
}

type dialProbe struct {
	addr    string
	timeout time.Duration
}

func (p *dialProbe) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.mu.Unlock()

	m.stopped.Add(1)
	go func() {
		defer m.stopped.Done()
		t := time.NewTicker(m.cfg.Interval)
		defer t.Stop()

		// Establish the initial state immediately.
		m.observe(m.Online(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.C:
				m.observe(m.Online(ctx))
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		m.stopped.Wait()
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}

	topic := eventbus.TopicConnectivityOffline
	if online {
		topic = eventbus.TopicConnectivityOnline
	}
	m.log.Info("connectivity changed", logx.Bool("online", online))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: topic})
	}
}

// Flag is a settable Probe for tests and for hosts that already know their
// network state.
type Flag struct {
	mu sync.Mutex
	on bool
}

func NewFlag(online bool) *Flag { return &Flag{on: online} }

func (f *Flag) Online(ctx context.Context) bool {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func (f *Flag) Set(online bool) {
	f.mu.Lock()
	f.on = online
	f.mu.Unlock()
}
