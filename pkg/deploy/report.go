package deploy

import (
	"sync"
	"time"

	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/util"
)

// Status is the outcome of one op.
type Status string

const (
	// StatusApplied means the first write succeeded.
	StatusApplied Status = "applied"
	// StatusAbsorbed means the device already held (or lacked) the entry
	// and the op reached its target state through the fallback write, or
	// needed none.
	StatusAbsorbed Status = "absorbed"
	StatusFailed   Status = "failed"
	// StatusSkipped means the op never started because the run was
	// cancelled.
	StatusSkipped Status = "skipped"
)

// OpResult is the outcome of one op.
type OpResult struct {
	Op     rule.RuleOp
	Status Status
	// Kind classifies the error that decided the outcome. It is set for
	// absorbed ops too (AlreadyExists, NotFound).
	Kind util.ErrorKind
	Err  error
	// Path lists the writes issued, in order.
	Path     []rule.UpdateType
	Duration time.Duration
}

// OK reports whether the op reached its target state.
func (r OpResult) OK() bool {
	return r.Status == StatusApplied || r.Status == StatusAbsorbed
}

// DeviceSummary counts outcomes for one device.
type DeviceSummary struct {
	Device   string
	Applied  int
	Absorbed int
	Failed   int
	Skipped  int
	// BestEffortFailed counts failed ops that were marked best effort.
	BestEffortFailed int
}

// Ops returns the number of ops the summary covers.
func (s DeviceSummary) Ops() int {
	return s.Applied + s.Absorbed + s.Failed + s.Skipped
}

// Report is the outcome of one Deploy call.
type Report struct {
	Started  time.Time
	Duration time.Duration
	// Results has one entry per submitted op, in submission order.
	Results []OpResult

	mu      sync.Mutex
	devices []string
	summary map[string]*DeviceSummary
}

func newReport(ops []rule.RuleOp) *Report {
	r := &Report{
		Started: time.Now(),
		Results: make([]OpResult, len(ops)),
		summary: make(map[string]*DeviceSummary),
	}
	for i, op := range ops {
		r.Results[i] = OpResult{Op: op}
		if _, ok := r.summary[op.Device]; !ok {
			r.summary[op.Device] = &DeviceSummary{Device: op.Device}
			r.devices = append(r.devices, op.Device)
		}
	}
	return r
}

// record stores the result of op i. Each index is written by one worker.
func (r *Report) record(i int, res OpResult) {
	r.Results[i] = res

	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.summary[res.Op.Device]
	switch res.Status {
	case StatusApplied:
		s.Applied++
	case StatusAbsorbed:
		s.Absorbed++
	case StatusFailed:
		s.Failed++
		if res.Op.BestEffort {
			s.BestEffortFailed++
		}
	case StatusSkipped:
		s.Skipped++
	}
}

// Count returns how many ops ended with status st.
func (r *Report) Count(st Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == st {
			n++
		}
	}
	return n
}

// Failed returns the results of ops that did not reach their target state,
// skipped ops included.
func (r *Report) Failed() []OpResult {
	var out []OpResult
	for _, res := range r.Results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}

// Succeeded reports whether every op reached its target state.
func (r *Report) Succeeded() bool {
	for _, res := range r.Results {
		if !res.OK() {
			return false
		}
	}
	return true
}

// Devices returns the devices in the report in first-appearance order.
func (r *Report) Devices() []string {
	return append([]string(nil), r.devices...)
}

// Summary returns the outcome counts for one device.
func (r *Report) Summary(device string) DeviceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.summary[device]; ok {
		return *s
	}
	return DeviceSummary{Device: device}
}
