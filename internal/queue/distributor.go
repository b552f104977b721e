package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/repo"
)

// ErrNoDistributableCases means no unassigned distribution task exists.
var ErrNoDistributableCases = errors.New("no distributable cases")

// distributionAttempts bounds the claim retry loop when concurrent
// requesters race for the same oldest case.
const distributionAttempts = 5

// Distributor hands the oldest undistributed case to a requesting
// adjudicator. Requests are serialized per requester with an in-process
// keyed lock; the conditional claim UPDATE makes cross-process races safe
// too, so each case lands with at most one adjudicator.
type Distributor struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu         sync.Mutex
	requesters map[int64]*sync.Mutex
}

func NewDistributor(db *sql.DB) *Distributor {
	return &Distributor{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{},
		Now:        time.Now,
		requesters: make(map[int64]*sync.Mutex),
	}
}

func (d *Distributor) lock(userID int64) func() {
	d.mu.Lock()
	m, ok := d.requesters[userID]
	if !ok {
		m = &sync.Mutex{}
		d.requesters[userID] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Request assigns the oldest unassigned distribution task to the judge.
func (d *Distributor) Request(ctx context.Context, judge domain.User) (domain.Task, error) {
	unlock := d.lock(judge.ID)
	defer unlock()

	for attempt := 0; attempt < distributionAttempts; attempt++ {
		task, err := d.claimOldest(ctx, judge)
		if err == nil || !errors.Is(err, errClaimLost) {
			return task, err
		}
	}
	return domain.Task{}, ErrNoDistributableCases
}

// errClaimLost means another requester won the claim race; retry with the
// next oldest case.
var errClaimLost = errors.New("claim lost")

func (d *Distributor) claimOldest(ctx context.Context, judge domain.User) (domain.Task, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := d.Repo.OldestUnassignedDistributionTask(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, ErrNoDistributableCases
	}
	if err != nil {
		return domain.Task{}, err
	}

	now := d.Now()
	claimed, err := d.Repo.ClaimTask(ctx, tx, task.ID, judge.ID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !claimed {
		return domain.Task{}, errClaimLost
	}
	if err := d.Events.Append(ctx, tx, "task.distributed", "task", task.ID, judge.CSSID, events.Payload{
		"appeal_id": task.AppealID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	task.Status = domain.TaskAssigned
	task.AssignedToID = judge.ID
	task.AssignedToType = domain.AssigneeUser
	at := now
	task.AssignedAt = &at
	task.UpdatedAt = now
	return task, nil
}
