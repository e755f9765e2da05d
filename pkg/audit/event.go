// Package audit records one event per device per deployment run.
package audit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/newtron-network/newtrule/pkg/deploy"
)

// Operations recorded in the audit log.
const (
	OperationDeploy = "deploy"
	OperationPlan   = "plan"
)

// Event is the audit record of one device's part in a run.
type Event struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Timestamp   time.Time     `json:"timestamp"`
	User        string        `json:"user"`
	Device      string        `json:"device"`
	Operation   string        `json:"operation"`
	Backend     string        `json:"backend,omitempty"`
	Specs       []string      `json:"specs,omitempty"`
	Ops         int           `json:"ops"`
	Applied     int           `json:"applied"`
	Absorbed    int           `json:"absorbed"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	ExecuteMode bool          `json:"execute_mode"` // true if -x was used
	DryRun      bool          `json:"dry_run"`
	Duration    time.Duration `json:"duration"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Device      string
	User        string
	Operation   string
	RunID       string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user, device, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		User:      user,
		Device:    device,
		Operation: operation,
	}
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	e.Error = ""
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithExecuteMode marks if execute mode was used
func (e *Event) WithExecuteMode(execute bool) *Event {
	e.ExecuteMode = execute
	e.DryRun = !execute
	return e
}

// RunInfo describes the run a report came from.
type RunInfo struct {
	User    string
	Backend string
	Specs   []string
	Execute bool
}

// FromReport builds one event per device in report, sharing a run id.
func FromReport(report *deploy.Report, info RunInfo) []*Event {
	runID := generateID()
	var events []*Event
	for _, device := range report.Devices() {
		s := report.Summary(device)
		e := NewEvent(info.User, device, OperationDeploy).
			WithExecuteMode(info.Execute).
			WithDuration(report.Duration)
		e.RunID = runID
		e.Timestamp = report.Started
		e.Backend = info.Backend
		e.Specs = append([]string(nil), info.Specs...)
		e.Ops, e.Applied, e.Absorbed, e.Failed, e.Skipped = s.Ops(), s.Applied, s.Absorbed, s.Failed, s.Skipped

		if s.Failed == 0 && s.Skipped == 0 {
			e.WithSuccess()
		} else {
			e.WithError(firstError(report, device))
		}
		events = append(events, e)
	}
	return events
}

// PlanEvents builds dry-run events from compiled op counts per device.
func PlanEvents(counts map[string]int, devices []string, info RunInfo) []*Event {
	runID := generateID()
	var events []*Event
	for _, device := range devices {
		e := NewEvent(info.User, device, OperationPlan).WithExecuteMode(false).WithSuccess()
		e.RunID = runID
		e.Backend = info.Backend
		e.Specs = append([]string(nil), info.Specs...)
		e.Ops = counts[device]
		events = append(events, e)
	}
	return events
}

func firstError(report *deploy.Report, device string) error {
	for _, res := range report.Results {
		if res.Op.Device == device && !res.OK() {
			if res.Err != nil {
				return fmt.Errorf("%s: %w", res.Op, res.Err)
			}
			return fmt.Errorf("%s: %s", res.Op, res.Status)
		}
	}
	return nil
}

var idSeq atomic.Uint64

// generateID returns ids that sort in creation order.
func generateID() string {
	return fmt.Sprintf("%019d-%06d", time.Now().UnixNano(), idSeq.Add(1)%1000000)
}
