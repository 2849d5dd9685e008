package build

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
)

// liveRoles returns the roles a document change must reach: main once it
// holds an index, and tmp while a parallel build is filling it.
func (o *Orchestrator) liveRoles(ctx context.Context) ([]index.Role, error) {
	var roles []index.Role
	mainState, err := status.Current(ctx, o.status, index.Main)
	if err != nil {
		return nil, err
	}
	if mainState == status.Completed || mainState == status.Building {
		roles = append(roles, index.Main)
	}
	if o.cfg.ParallelBuild {
		tmpState, err := status.Current(ctx, o.status, index.Tmp)
		if err != nil {
			return nil, err
		}
		if tmpState == status.Building {
			roles = append(roles, index.Tmp)
		}
	}
	return roles, nil
}

// UpdateDocuments re-indexes ids from the source. Ids the source no longer
// has are removed from the index.
func (o *Orchestrator) UpdateDocuments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	roles, err := o.liveRoles(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		removed, err := o.batcher.UpdateDocuments(ctx, role, ids)
		if err != nil {
			return fmt.Errorf("updating documents in %s: %w", role, err)
		}
		if len(removed) > 0 {
			o.logger.Info("documents gone from source were removed", "role", role, "ids", removed)
		}
	}
	return o.invalidate(ctx, ids)
}

// DeleteDocuments removes ids from every live role.
func (o *Orchestrator) DeleteDocuments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	roles, err := o.liveRoles(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if err := o.batcher.DeleteDocuments(ctx, role, ids); err != nil {
			return fmt.Errorf("deleting documents from %s: %w", role, err)
		}
	}
	return o.invalidate(ctx, ids)
}

func (o *Orchestrator) invalidate(ctx context.Context, ids []int64) error {
	if o.cache == nil {
		return nil
	}
	if err := o.cache.DeleteContaining(ctx, index.Main, ids); err != nil {
		return fmt.Errorf("invalidating cached queries: %w", err)
	}
	return nil
}

// Swap promotes a completed tmp build to main.
func (o *Orchestrator) Swap(ctx context.Context) error {
	return o.CopyTmpIndexToMain(ctx)
}

// Drain runs the queue of kind on role to exhaustion in the calling
// goroutine.
func (o *Orchestrator) Drain(ctx context.Context, role index.Role, kind index.Kind) error {
	return o.runner.Drain(ctx, role, kind)
}
