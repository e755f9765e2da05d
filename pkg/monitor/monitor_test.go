package monitor

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/agent/memagent"
	"github.com/newtron-network/newtrule/pkg/routespec"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

const (
	ingressCounter = "MyIngress.ingressTunnelCounter"
	egressCounter  = "MyIngress.egressTunnelCounter"
)

func setup(t *testing.T) (*agent.Registry, *memagent.Fabric, []Tunnel) {
	t.Helper()
	topo, err := topology.Load("../../specs/topology.yaml")
	require.NoError(t, err)
	spec, err := routespec.Load("../../specs/scenarios/tunnel.yaml")
	require.NoError(t, err)

	fabric := memagent.NewFabric()
	reg := agent.NewRegistry(topo, rule.DefaultPipeline(), fabric.Factory())
	require.NoError(t, reg.Connect(context.Background()))
	t.Cleanup(func() { reg.Close() })
	return reg, fabric, Tunnels(spec)
}

func TestTunnels(t *testing.T) {
	spec, err := routespec.Parse([]byte(`
tunnel_paths:
  - id: 301
    hops: [{device: s2, port: 4}]
    egress: {device: s1, mac: "08:00:00:00:01:11", port: 1}
  - id: 300
    hops: [{device: s1, port: 4}, {device: s31, port: 2}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
`))
	require.NoError(t, err)
	assert.Equal(t, []Tunnel{
		{ID: 300, Ingress: "s1", Egress: "s2"},
		{ID: 301, Ingress: "s2", Egress: "s1"},
	}, Tunnels(spec))
}

func TestSampleValue(t *testing.T) {
	tests := []struct {
		ingress, egress, want uint64
	}{
		{0, 0, 0},
		{5, 0, 5},
		{0, 7, 7},
		{5, 7, 5},
	}
	for _, tt := range tests {
		s := Sample{Ingress: tt.ingress, Egress: tt.egress}
		if got := s.Value(); got != tt.want {
			t.Errorf("Sample{%d, %d}.Value() = %d, want %d", tt.ingress, tt.egress, got, tt.want)
		}
	}
}

func TestPoll(t *testing.T) {
	reg, fabric, tunnels := setup(t)
	require.Len(t, tunnels, 2)

	fabric.SetCounter("s1", ingressCounter, 300, 12)
	fabric.SetCounter("s2", egressCounter, 300, 11)
	fabric.SetCounter("s1", egressCounter, 301, 4)

	prom := prometheus.NewRegistry()
	m := New(reg, tunnels, Config{Registerer: prom})
	samples := m.Poll(context.Background())
	require.Len(t, samples, 2)

	assert.Equal(t, uint32(300), samples[0].Tunnel.ID)
	assert.Equal(t, uint64(12), samples[0].Value())
	assert.Equal(t, uint64(11), samples[0].Egress)
	assert.Equal(t, uint64(4), samples[1].Value(), "ingress is zero, egress is reported")
	assert.NoError(t, samples[1].Err)

	assert.Equal(t, 12.0, testutil.ToFloat64(m.packets.WithLabelValues("300", "s1", "s2")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.packets.WithLabelValues("301", "s2", "s1")))

	last, ok := m.Last(300)
	require.True(t, ok)
	assert.Equal(t, uint64(12), last.Ingress)
}

func TestPollUnreachable(t *testing.T) {
	topo, err := topology.Load("../../specs/topology.yaml")
	require.NoError(t, err)
	fabric := memagent.NewFabric()
	fabric.SetUnreachable("s1", true)
	reg := agent.NewRegistry(topo, rule.DefaultPipeline(), fabric.Factory())
	require.NoError(t, reg.Connect(context.Background()))
	defer reg.Close()

	fabric.SetCounter("s2", egressCounter, 300, 9)
	m := New(reg, []Tunnel{{ID: 300, Ingress: "s1", Egress: "s2"}}, Config{})
	samples := m.Poll(context.Background())

	require.Len(t, samples, 1)
	assert.ErrorIs(t, samples[0].Err, util.ErrNotConnected)
	assert.Equal(t, uint64(9), samples[0].Value())
}

func TestRun(t *testing.T) {
	reg, fabric, tunnels := setup(t)
	fc := fakeclock.NewFakeClock(time.Now())
	m := New(reg, tunnels, Config{Interval: time.Second, Clock: fc})

	rounds := make(chan []Sample)
	done := make(chan error, 1)
	go func() {
		done <- m.Run(context.Background(), 3, func(s []Sample) { rounds <- s })
	}()

	first := <-rounds
	assert.Zero(t, first[0].Value())

	fabric.SetCounter("s1", ingressCounter, 300, 3)
	fc.WaitForWatcherAndIncrement(time.Second)
	second := <-rounds
	assert.Equal(t, uint64(3), second[0].Value())
	assert.Equal(t, fc.Now(), second[0].At)

	fabric.SetCounter("s1", ingressCounter, 300, 8)
	fc.WaitForWatcherAndIncrement(time.Second)
	third := <-rounds
	assert.Equal(t, uint64(8), third[0].Value())

	require.NoError(t, <-done)
}

func TestRunCancelled(t *testing.T) {
	reg, _, tunnels := setup(t)
	fc := fakeclock.NewFakeClock(time.Now())
	m := New(reg, tunnels, Config{Clock: fc})

	ctx, cancel := context.WithCancel(context.Background())
	polled := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, 0, func([]Sample) { polled <- struct{}{} })
	}()

	<-polled
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
