package jobs

import (
	"context"
	"log"

	"caseline/internal/establishment"
	"caseline/internal/repo"
)

// EndProductSyncJob polls the external status of established, not yet
// terminal end products.
type EndProductSyncJob struct {
	Repo repo.Repo
	Est  *establishment.Engine
}

func (j EndProductSyncJob) Name() string { return "end_product_sync" }

func (j EndProductSyncJob) Run(ctx context.Context) error {
	epes, err := j.Repo.ListUnsyncedEstablishments(ctx)
	if err != nil {
		return err
	}
	for _, epe := range epes {
		if err := retryTransient(ctx, func() error {
			return j.Est.Sync(ctx, epe.ID)
		}); err != nil {
			log.Printf("end_product_sync: establishment %d: %v", epe.ID, err)
		}
	}
	return nil
}
