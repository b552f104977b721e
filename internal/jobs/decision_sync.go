package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caseline/internal/establishment"
	"caseline/internal/external"
	"caseline/internal/repo"
)

// errSyncWindowElapsed flags issues that waited out the whole processing
// window without a successful sync.
var errSyncWindowElapsed = errors.New("decision sync processing window elapsed")

// transientRetries bounds in-cycle retries of a flaky external call; the
// next poll cycle picks the item up again anyway.
const transientRetries = 3

// DecisionSyncJob drives submitted request issues through decision sync.
// Items past the processing window are flagged for manual attention and
// never retried again.
type DecisionSyncJob struct {
	Repo   repo.Repo
	Est    *establishment.Engine
	Window time.Duration
	Now    func() time.Time
}

func (j DecisionSyncJob) Name() string { return "decision_sync" }

func (j DecisionSyncJob) Run(ctx context.Context) error {
	issues, err := j.Repo.ListSubmittedUnprocessedIssues(ctx)
	if err != nil {
		return err
	}
	now := j.Now()
	for _, ri := range issues {
		if ri.SyncExpired(now, j.Window) {
			if err := j.Est.FlagSyncError(ctx, ri.ID, errSyncWindowElapsed); err != nil {
				log.Printf("decision_sync: flag issue %d: %v", ri.ID, err)
			}
			continue
		}
		if !ri.SubmittedAndReady(now) {
			continue
		}
		if err := retryTransient(ctx, func() error {
			return j.Est.ProcessDecisionSync(ctx, ri.ID)
		}); err != nil {
			log.Printf("decision_sync: issue %d: %v", ri.ID, err)
		}
	}
	return nil
}

// retryTransient retries an external-facing call on transient failures and
// gives up immediately on anything else.
func retryTransient(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil || external.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transientRetries), ctx)
	return backoff.Retry(wrapped, policy)
}
