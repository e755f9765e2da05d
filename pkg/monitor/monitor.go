// Package monitor polls the packet counters of deployed tunnels.
//
// Each tunnel counts packets twice: at its ingress device when the packet
// is wrapped and at its egress device when it is delivered. A tunnel's
// reported value is the ingress count, or the egress count while the
// ingress counter still reads zero.
package monitor

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/routespec"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/util"
)

const (
	// DefaultInterval is the time between polls.
	DefaultInterval = 2 * time.Second
	// DefaultReadTimeout bounds one counter read.
	DefaultReadTimeout = 2 * time.Second
)

// Tunnel names the two counter cells of one tunnel.
type Tunnel struct {
	ID      uint32
	Ingress string
	Egress  string
}

// Tunnels returns the tunnels of spec ordered by id. Paths without an
// egress are skipped.
func Tunnels(spec *routespec.RouteSpec) []Tunnel {
	var out []Tunnel
	for _, p := range spec.TunnelPaths {
		if p.Egress == nil || len(p.Hops) == 0 {
			continue
		}
		out = append(out, Tunnel{ID: p.ID, Ingress: p.Ingress(), Egress: p.Egress.Device})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sample is one poll of one tunnel.
type Sample struct {
	Tunnel  Tunnel
	At      time.Time
	Ingress uint64
	Egress  uint64
	// Err holds the first read failure. Failed reads count as zero.
	Err error
}

// Value is the packet count reported for the tunnel.
func (s Sample) Value() uint64 {
	if s.Ingress > 0 {
		return s.Ingress
	}
	return s.Egress
}

// Registry is the source of connected agents.
type Registry interface {
	Agent(name string) (agent.SwitchAgent, error)
}

// Config tunes a Monitor.
type Config struct {
	Interval    time.Duration
	ReadTimeout time.Duration
	// Clock drives the poll ticker. Nil means the wall clock.
	Clock clock.Clock
	// Registerer, if set, receives the per-tunnel packet gauge.
	Registerer prometheus.Registerer
}

// Monitor polls tunnel counters.
type Monitor struct {
	reg     Registry
	tunnels []Tunnel
	cfg     Config
	packets *prometheus.GaugeVec

	mu   sync.Mutex
	last map[uint32]Sample
}

// New creates a monitor for tunnels.
func New(reg Registry, tunnels []Tunnel, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	m := &Monitor{
		reg:     reg,
		tunnels: tunnels,
		cfg:     cfg,
		last:    make(map[uint32]Sample),
		packets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "newtrule",
			Subsystem: "tunnel",
			Name:      "packets",
			Help:      "Packets carried by a tunnel, read from its ingress or egress counter.",
		}, []string{"tunnel", "ingress", "egress"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(m.packets)
	}
	return m
}

// Poll reads every tunnel's counters once.
func (m *Monitor) Poll(ctx context.Context) []Sample {
	now := m.cfg.Clock.Now()
	out := make([]Sample, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		s := Sample{Tunnel: t, At: now}
		var err error
		s.Ingress, err = m.read(ctx, t.Ingress, rule.CounterTunnelIngress, t.ID)
		if err != nil {
			s.Err = err
		}
		s.Egress, err = m.read(ctx, t.Egress, rule.CounterTunnelEgress, t.ID)
		if err != nil && s.Err == nil {
			s.Err = err
		}
		if s.Err != nil {
			util.WithField("tunnel", t.ID).Debugf("Counter read: %v", s.Err)
		}

		m.packets.WithLabelValues(strconv.FormatUint(uint64(t.ID), 10), t.Ingress, t.Egress).Set(float64(s.Value()))
		out = append(out, s)
	}

	m.mu.Lock()
	for _, s := range out {
		m.last[s.Tunnel.ID] = s
	}
	m.mu.Unlock()
	return out
}

// Last returns the most recent sample of tunnel id.
func (m *Monitor) Last(id uint32) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.last[id]
	return s, ok
}

// Run polls immediately and then once per interval, handing each round to
// fn. It stops after count rounds (zero means no limit) or when ctx is
// done.
func (m *Monitor) Run(ctx context.Context, count int, fn func([]Sample)) error {
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	util.Logger.Infof("Monitoring %d tunnels every %s", len(m.tunnels), m.cfg.Interval)
	for round := 1; ; round++ {
		samples := m.Poll(ctx)
		if fn != nil {
			fn(samples)
		}
		if count > 0 && round >= count {
			return nil
		}
		select {
		case <-ticker.C():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) read(ctx context.Context, device, counter string, id uint32) (uint64, error) {
	a, err := m.reg.Agent(device)
	if err != nil {
		return 0, err
	}
	rctx, cancel := context.WithTimeout(ctx, m.cfg.ReadTimeout)
	defer cancel()
	return a.ReadCounter(rctx, counter, id)
}
