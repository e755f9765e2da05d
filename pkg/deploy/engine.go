// Package deploy applies compiled rule operations to connected devices.
//
// Each op runs a small state machine: one write, and at most one fallback
// write when the device reports the state the op was trying to reach is
// already half there (the key exists on insert, or is absent on replace).
// Devices are worked in parallel; ops within a device run in order. A failed
// op never stops the batch and nothing is rolled back.
package deploy

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/util"
)

// DefaultRPCTimeout bounds a single device write.
const DefaultRPCTimeout = 5 * time.Second

// transition is the write plan of one op kind.
type transition struct {
	first rule.UpdateType
	// on is the error kind that is expected when the device already
	// partially holds the desired state.
	on util.ErrorKind
	// then is the fallback write for on. Empty means on is itself success.
	then rule.UpdateType
}

var transitions = map[rule.OpKind]transition{
	rule.OpInsert:  {first: rule.UpdateInsert, on: util.KindAlreadyExists, then: rule.UpdateModify},
	rule.OpReplace: {first: rule.UpdateModify, on: util.KindNotFound, then: rule.UpdateInsert},
	rule.OpDelete:  {first: rule.UpdateDelete, on: util.KindNotFound},
}

// Config tunes an Engine.
type Config struct {
	// RPCTimeout bounds each write independently. Zero means
	// DefaultRPCTimeout.
	RPCTimeout time.Duration
	// Parallelism caps the number of devices worked at once. Zero means
	// one worker per device.
	Parallelism int
	// RatePerSec caps writes per second to each device. Zero means
	// unlimited.
	RatePerSec float64
	// Metrics, if set, records op outcomes and write latency.
	Metrics *Metrics
}

// Registry is the source of connected agents.
type Registry interface {
	Agent(name string) (agent.SwitchAgent, error)
}

// Engine deploys op lists.
type Engine struct {
	reg Registry
	cfg Config
}

// NewEngine creates an engine drawing agents from reg.
func NewEngine(reg Registry, cfg Config) *Engine {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	return &Engine{reg: reg, cfg: cfg}
}

// Deploy applies ops and reports an outcome for every one of them, in
// submission order. Cancelling ctx stops ops that have not started; writes
// already in flight run to completion or to their own timeout.
func (e *Engine) Deploy(ctx context.Context, ops []rule.RuleOp) *Report {
	report := newReport(ops)

	// Partition by device, keeping each op's index into the report.
	index := make(map[string][]int)
	var devices []string
	for i, op := range ops {
		if _, ok := index[op.Device]; !ok {
			devices = append(devices, op.Device)
		}
		index[op.Device] = append(index[op.Device], i)
	}

	var g errgroup.Group
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for _, device := range devices {
		device := device
		g.Go(func() error {
			e.deployDevice(ctx, device, index[device], ops, report)
			return nil
		})
	}
	g.Wait()

	report.Duration = time.Since(report.Started)
	util.Logger.Infof("Deployed %d ops to %d devices in %s: %d applied, %d absorbed, %d failed, %d skipped",
		len(ops), len(devices), report.Duration.Round(time.Millisecond),
		report.Count(StatusApplied), report.Count(StatusAbsorbed), report.Count(StatusFailed), report.Count(StatusSkipped))
	return report
}

func (e *Engine) deployDevice(ctx context.Context, device string, idx []int, ops []rule.RuleOp, report *Report) {
	log := util.WithDevice(device)

	a, err := e.reg.Agent(device)
	if err != nil {
		log.Warnf("Skipping %d ops: %v", len(idx), err)
		for _, i := range idx {
			report.record(i, OpResult{Op: ops[i], Status: StatusFailed, Kind: agent.Classify(err), Err: err})
		}
		e.observe(device, ops, idx, report)
		return
	}

	var limiter *rate.Limiter
	if e.cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.RatePerSec), 1)
	}

	for n, i := range idx {
		if limiter != nil {
			// Wait fails early when the deadline of ctx is nearer than the
			// next token; the op then runs unthrottled.
			if err := limiter.Wait(ctx); err != nil && ctx.Err() == nil {
				log.Debugf("Rate limiter: %v", err)
			}
		}
		if ctx.Err() != nil {
			for _, j := range idx[n:] {
				report.record(j, OpResult{Op: ops[j], Status: StatusSkipped, Kind: util.KindCancelled, Err: ctx.Err()})
			}
			log.Infof("Cancelled with %d ops not started", len(idx)-n)
			break
		}
		res := e.apply(ctx, a, ops[i])
		report.record(i, res)
		if res.Status == StatusFailed {
			if ops[i].BestEffort {
				log.Debugf("%s: %v (best effort)", ops[i], res.Err)
			} else {
				log.Warnf("%s: %v", ops[i], res.Err)
			}
		} else {
			log.Debugf("%s: %s via %v", ops[i], res.Status, res.Path)
		}
	}
	e.observe(device, ops, idx, report)
}

// apply runs one op through its transition.
func (e *Engine) apply(ctx context.Context, a agent.SwitchAgent, op rule.RuleOp) OpResult {
	start := time.Now()
	res := OpResult{Op: op}

	t, ok := transitions[op.Kind]
	if !ok {
		res.Status, res.Kind = StatusFailed, util.KindOther
		res.Err = fmt.Errorf("%w: unknown op kind %q", util.ErrInvalidConfig, op.Kind)
		return res
	}

	entry := op.Entry
	if t.first == rule.UpdateDelete {
		entry = rule.TableEntry{Table: op.Entry.Table, Match: op.Entry.Match}
	}

	err := e.write(ctx, a, t.first, entry)
	res.Path = append(res.Path, t.first)
	kind := agent.Classify(err)

	switch {
	case err == nil:
		res.Status = StatusApplied
	case kind == t.on && t.then == "":
		res.Status, res.Kind = StatusAbsorbed, kind
	case kind == t.on:
		res.Path = append(res.Path, t.then)
		if ferr := e.write(ctx, a, t.then, entry); ferr != nil {
			res.Status, res.Kind, res.Err = StatusFailed, agent.Classify(ferr), ferr
		} else {
			res.Status, res.Kind = StatusAbsorbed, kind
		}
	default:
		res.Status, res.Kind, res.Err = StatusFailed, kind, err
	}
	res.Duration = time.Since(start)
	return res
}

// write issues one RPC under its own deadline. The deadline is detached from
// ctx cancellation so an operator stop never cuts a write in half.
func (e *Engine) write(ctx context.Context, a agent.SwitchAgent, u rule.UpdateType, entry rule.TableEntry) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RPCTimeout)
	defer cancel()

	start := time.Now()
	err := a.Write(rctx, u, entry)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.observeWrite(a.Name(), u, time.Since(start))
	}
	return err
}

func (e *Engine) observe(device string, ops []rule.RuleOp, idx []int, report *Report) {
	if e.cfg.Metrics == nil {
		return
	}
	for _, i := range idx {
		res := report.Results[i]
		e.cfg.Metrics.observeOp(device, ops[i].Kind, res.Status)
	}
}

// Upsert installs e on a, updating it in place when its key is taken.
func Upsert(ctx context.Context, a agent.SwitchAgent, e rule.TableEntry) error {
	return single(ctx, a, rule.OpInsert, e)
}

// Delete removes the entry at (table, match) on a. An absent entry is not
// an error.
func Delete(ctx context.Context, a agent.SwitchAgent, table rule.Table, match map[string]rule.MatchValue) error {
	return single(ctx, a, rule.OpDelete, rule.TableEntry{Table: table, Match: match})
}

func single(ctx context.Context, a agent.SwitchAgent, kind rule.OpKind, e rule.TableEntry) error {
	eng := &Engine{cfg: Config{RPCTimeout: DefaultRPCTimeout}}
	return eng.apply(ctx, a, rule.RuleOp{Device: a.Name(), Kind: kind, Entry: e}).Err
}
