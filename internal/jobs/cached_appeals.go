package jobs

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"caseline/internal/domain"
	"caseline/internal/external"
	"caseline/internal/repo"
)

// cacheWorkers caps concurrent directory lookups per refresh cycle.
const cacheWorkers = 4

// CachedAppealsJob denormalizes per-appeal queue attributes (docket, veteran
// name, regional office city, active issue count) into cached_appeals so the
// pager can sort and filter on them without joins into live entities.
type CachedAppealsJob struct {
	Repo repo.Repo
	Dir  external.Directory
	Now  func() time.Time
}

func (j CachedAppealsJob) Name() string { return "cached_appeals" }

func (j CachedAppealsJob) Run(ctx context.Context) error {
	ids, err := j.Repo.ListReviewIDs(ctx)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cacheWorkers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return j.refresh(gctx, id)
		})
	}
	return g.Wait()
}

func (j CachedAppealsJob) refresh(ctx context.Context, reviewID int64) error {
	rv, err := j.Repo.GetReview(ctx, reviewID)
	if err != nil {
		return err
	}
	ca := domain.CachedAppeal{
		AppealID:     rv.ID,
		DocketType:   rv.DocketType,
		DocketNumber: rv.DocketNumber,
	}
	vet, err := j.Repo.GetVeteranByFileNumber(ctx, rv.VeteranFileNumber)
	switch {
	case err == nil:
		ca.VeteranName = vet.NameForDocket()
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	city, err := j.Dir.ClosestRegionalOffice(ctx, rv.VeteranFileNumber)
	if err == nil {
		ca.RegionalOfficeCity = city
	}
	count, err := j.Repo.CountActiveIssuesForReview(ctx, rv.ID)
	if err != nil {
		return err
	}
	ca.IssueCount = count
	return j.Repo.UpsertCachedAppeal(ctx, nil, ca, j.Now())
}
