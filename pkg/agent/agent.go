// Package agent defines the control channel to one forwarding device and the
// registry that owns those channels for a deployment run.
//
// Backends report failures as gRPC status errors so that callers classify
// them the same way regardless of transport.
package agent

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

// SwitchAgent is a control session with one device.
//
// Connect runs the bootstrap sequence once: open the session, claim
// mastership, push the pipeline. Write is the single table primitive:
// INSERT fails with AlreadyExists when the match key is taken, MODIFY and
// DELETE fail with NotFound when it is absent.
type SwitchAgent interface {
	Name() string
	Connect(ctx context.Context, p *rule.Pipeline) error
	Write(ctx context.Context, u rule.UpdateType, e rule.TableEntry) error
	ReadCounter(ctx context.Context, counter string, index uint32) (uint64, error)
	Close() error
}

// Factory builds an unconnected agent for a device.
type Factory func(d *topology.Device) (SwitchAgent, error)

// Classify maps an agent error onto the outcome kinds the deployment engine
// reasons about.
func Classify(err error) util.ErrorKind {
	if err == nil {
		return util.KindNone
	}
	switch {
	case errors.Is(err, util.ErrUnavailable), errors.Is(err, util.ErrNotConnected):
		return util.KindUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, util.ErrTimeout):
		return util.KindTimeout
	case errors.Is(err, context.Canceled):
		return util.KindCancelled
	case errors.Is(err, util.ErrAlreadyExists):
		return util.KindAlreadyExists
	case errors.Is(err, util.ErrNotFound):
		return util.KindNotFound
	}

	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(err, &se) {
		return util.KindOther
	}
	switch se.GRPCStatus().Code() {
	case codes.AlreadyExists:
		return util.KindAlreadyExists
	case codes.NotFound:
		return util.KindNotFound
	case codes.DeadlineExceeded:
		return util.KindTimeout
	case codes.Unavailable:
		return util.KindUnavailable
	case codes.Canceled:
		return util.KindCancelled
	default:
		return util.KindOther
	}
}

// ContextError converts a context failure into the matching status error,
// or returns nil when ctx is still live.
func ContextError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, "rpc deadline exceeded")
	default:
		return status.Error(codes.Canceled, "rpc cancelled")
	}
}
