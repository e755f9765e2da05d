package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

// DefaultConnectTimeout bounds the bootstrap of a single device.
const DefaultConnectTimeout = 10 * time.Second

// Registry owns the agents of one run. Connect once at start, Close at
// shutdown; a device whose bootstrap failed stays failed for the run.
type Registry struct {
	topo     *topology.Topology
	pipeline *rule.Pipeline
	factory  Factory

	// ConnectTimeout bounds each device's bootstrap. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// Parallelism caps concurrent bootstraps. Zero means unlimited.
	Parallelism int

	mu     sync.RWMutex
	agents map[string]SwitchAgent
	errs   map[string]error
}

// NewRegistry creates a registry for the devices of topo.
func NewRegistry(topo *topology.Topology, pipeline *rule.Pipeline, factory Factory) *Registry {
	return &Registry{
		topo:     topo,
		pipeline: pipeline,
		factory:  factory,
		agents:   make(map[string]SwitchAgent),
		errs:     make(map[string]error),
	}
}

// Connect bootstraps the named devices concurrently (all devices when none
// are named). Per-device failures are recorded, not returned; the error
// result is reserved for an unknown device name.
func (r *Registry) Connect(ctx context.Context, devices ...string) error {
	if len(devices) == 0 {
		devices = r.topo.Names()
	}
	targets := make([]*topology.Device, 0, len(devices))
	for _, name := range devices {
		d, err := r.topo.Device(name)
		if err != nil {
			return err
		}
		targets = append(targets, d)
	}

	timeout := r.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	var g errgroup.Group
	if r.Parallelism > 0 {
		g.SetLimit(r.Parallelism)
	}
	for _, d := range targets {
		d := d
		g.Go(func() error {
			r.connectOne(ctx, d, timeout)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) connectOne(ctx context.Context, d *topology.Device, timeout time.Duration) {
	log := util.WithDevice(d.Name)

	r.mu.RLock()
	_, done := r.agents[d.Name]
	r.mu.RUnlock()
	if done {
		return
	}

	a, err := r.factory(d)
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err = a.Connect(cctx, r.pipeline)
		cancel()
		if err != nil {
			a.Close()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		log.Warnf("Connect failed: %v", err)
		r.errs[d.Name] = err
		return
	}
	log.Debugf("Connected to %s", d.Address)
	delete(r.errs, d.Name)
	r.agents[d.Name] = a
}

// Agent returns the connected agent of a device. The error wraps
// util.ErrNotConnected together with the bootstrap failure, if any.
func (r *Registry) Agent(name string) (SwitchAgent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	if err, ok := r.errs[name]; ok {
		return nil, fmt.Errorf("%w: %s: %w", util.ErrNotConnected, name, err)
	}
	if !r.topo.Has(name) {
		return nil, util.NewUnknownDeviceError(name, "registry")
	}
	return nil, fmt.Errorf("%w: %s", util.ErrNotConnected, name)
}

// ConnectErr returns the bootstrap failure of a device, or nil.
func (r *Registry) ConnectErr(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errs[name]
}

// Connected returns the names of connected devices, sorted.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases every agent and forgets connect failures.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, a := range r.agents {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	r.agents = make(map[string]SwitchAgent)
	r.errs = make(map[string]error)
	return errors.Join(errs...)
}
