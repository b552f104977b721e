package jobs

import (
	"context"

	"caseline/internal/taskflow"
)

// HoldExpiryJob moves on-hold tasks whose timed hold has elapsed back to
// in_progress.
type HoldExpiryJob struct {
	Tasks taskflow.Engine
}

func (j HoldExpiryJob) Name() string { return "hold_expiry" }

func (j HoldExpiryJob) Run(ctx context.Context) error {
	_, err := j.Tasks.ExpireHolds(ctx)
	return err
}
