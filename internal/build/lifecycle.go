package build

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/failure"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/resilience"
)

func (o *Orchestrator) kindDone(ctx context.Context, role index.Role) error {
	_, err := o.MaybeMarkAsCompleted(ctx, role)
	return err
}

// readableDone queues the taxonomy and variation work that follows the
// readable phase, then dispatches it. Direct builds run those kinds inline
// themselves.
func (o *Orchestrator) readableDone(ctx context.Context, role index.Role) error {
	if o.runMode() == config.RunModeDirect {
		return o.kindDone(ctx, role)
	}
	var follow []index.Kind
	for _, kind := range []index.Kind{index.Taxonomy, index.Variation} {
		if !o.applicable(kind) {
			continue
		}
		if err := o.enqueue(ctx, role, kind); err != nil {
			return err
		}
		follow = append(follow, kind)
	}
	for _, kind := range follow {
		if err := o.dispatchFollowUp(ctx, role, kind); err != nil {
			return err
		}
	}
	_, err := o.MaybeMarkAsCompleted(ctx, role)
	return err
}

func (o *Orchestrator) dispatchFollowUp(ctx context.Context, role index.Role, kind index.Kind) error {
	if err := o.dispatcher.Dispatch(ctx, role, kind); err != nil {
		return apperrors.Critical(apperrors.TypeInternal, fmt.Errorf("dispatching %s: %w", kind, err))
	}
	return nil
}

// MaybeMarkAsCompleted flips role to completed once every applicable kind
// has an end timestamp, and promotes a completed tmp build. It reports
// whether this call completed the build.
func (o *Orchestrator) MaybeMarkAsCompleted(ctx context.Context, role index.Role) (bool, error) {
	unlock, err := o.locks.Acquire(ctx, "complete:"+string(role), o.cfg.LockWait)
	if err != nil {
		return false, err
	}
	rec, err := status.Load(ctx, o.status, role)
	if err != nil {
		unlock()
		return false, err
	}
	if rec.Status != status.Building || !rec.AllPhasesDone() {
		unlock()
		return false, nil
	}
	ctx = logger.WithBuildID(ctx, rec.BuildID)
	if err := status.SetInt(ctx, o.status, role, status.KeyEndTS, o.now().Unix()); err != nil {
		unlock()
		return false, err
	}
	if err := status.Transition(ctx, o.status, role, status.Completed); err != nil {
		unlock()
		return false, err
	}
	unlock()

	o.observeBuild(status.Completed)
	o.log(ctx, role, fmt.Sprintf("build completed in %s", time.Duration(o.now().Unix()-rec.StartTS)*time.Second))
	if role == index.Tmp {
		if err := o.CopyTmpIndexToMain(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// CopyTmpIndexToMain promotes a completed tmp build: every tmp table
// replaces its main counterpart and the tmp status record becomes the main
// one. It does nothing unless parallel building is on and tmp is completed.
func (o *Orchestrator) CopyTmpIndexToMain(ctx context.Context) error {
	if !o.cfg.ParallelBuild {
		return nil
	}
	state, err := status.Current(ctx, o.status, index.Tmp)
	if err != nil {
		return err
	}
	if state != status.Completed {
		return nil
	}

	if copier, ok := o.status.(status.TxCopier); ok && copier.Datastore() == o.store {
		err = o.store.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := o.tables.Promote(ctx, o.store, tx); err != nil {
				return err
			}
			if err := copier.CopyTx(ctx, tx, index.Tmp, index.Main); err != nil {
				return err
			}
			return copier.ClearTx(ctx, tx, index.Tmp)
		})
		if err != nil {
			return fmt.Errorf("promoting tmp index: %w", err)
		}
	} else {
		if err := o.store.InTx(ctx, func(tx *sql.Tx) error {
			_, err := o.tables.Promote(ctx, o.store, tx)
			return err
		}); err != nil {
			return fmt.Errorf("promoting tmp tables: %w", err)
		}
		if err := o.copyRecord(ctx); err != nil {
			return apperrors.Critical(apperrors.TypeDatastore, fmt.Errorf("copying tmp status to main: %w", err))
		}
	}

	if o.cache != nil {
		if err := o.cache.Purge(ctx, index.Main); err != nil {
			o.logger.Warn("purging query cache after swap failed", "error", err)
		}
	}
	o.log(ctx, index.Main, "tmp index promoted to main")
	return nil
}

// copyRecord moves the tmp record to main key by key for status stores that
// cannot join the table swap transaction.
func (o *Orchestrator) copyRecord(ctx context.Context) error {
	fields, err := o.status.All(ctx, index.Tmp)
	if err != nil {
		return err
	}
	if err := o.status.Clear(ctx, index.Main); err != nil {
		return err
	}
	for key, value := range fields {
		if err := o.copyKey(ctx, key, value); err != nil {
			return err
		}
	}
	return o.status.Clear(ctx, index.Tmp)
}

// copyKey writes one key to main and reads it back, falling back to an
// explicit delete and add on the final attempt.
func (o *Orchestrator) copyKey(ctx context.Context, key, value string) error {
	const attempts = 3
	return resilience.Retry(ctx, "status-copy:"+key, resilience.RetryConfig{
		Attempts: attempts,
		Delay:    20 * time.Millisecond,
	}, func(ctx context.Context, attempt int) error {
		if attempt == attempts {
			if err := o.status.Delete(ctx, index.Main, key); err != nil {
				return err
			}
			if _, err := o.status.Add(ctx, index.Main, key, value); err != nil {
				return err
			}
		} else if err := o.status.Set(ctx, index.Main, key, value); err != nil {
			return err
		}
		got, ok, err := o.status.Get(ctx, index.Main, key)
		if err != nil {
			return err
		}
		if !ok || got != value {
			return fmt.Errorf("status key %s did not round-trip", key)
		}
		return nil
	})
}

// CancelBuildIndex stops the active build: queues are emptied, the role's
// tables dropped and its status walked through cancellation back to
// not-exist. With resetStarts the phase start timestamps are zeroed too.
func (o *Orchestrator) CancelBuildIndex(ctx context.Context, resetStarts bool) error {
	role, err := o.ActiveRole(ctx)
	if err != nil {
		return err
	}
	state, err := status.Current(ctx, o.status, role)
	if err != nil {
		return err
	}
	if state != status.Cancellation && status.CanTransition(state, status.Cancellation) {
		if err := status.Transition(ctx, o.status, role, status.Cancellation); err != nil {
			return err
		}
	}
	if err := o.runner.CancelAll(ctx, role); err != nil {
		return err
	}
	if err := o.store.InTx(ctx, func(tx *sql.Tx) error {
		return o.tables.Drop(ctx, o.store, tx, role)
	}); err != nil {
		return fmt.Errorf("dropping %s tables: %w", role, err)
	}
	if state != status.NotExist {
		if err := status.Transition(ctx, o.status, role, status.NotExist); err != nil {
			return err
		}
	}
	if resetStarts {
		for _, kind := range index.Kinds {
			if err := status.SetInt(ctx, o.status, role, status.StartKey(kind), 0); err != nil {
				return err
			}
		}
	}
	o.observeBuild(status.Cancellation)
	o.log(ctx, role, "build cancelled")
	return nil
}

// IsIndexerWorkingTooLong reports whether a running build on role has not
// recorded progress within the stall timeout.
func (o *Orchestrator) IsIndexerWorkingTooLong(ctx context.Context, role index.Role) (bool, error) {
	rec, err := status.Load(ctx, o.status, role)
	if err != nil {
		return false, err
	}
	if rec.Status != status.Building && rec.Status != status.Preparing {
		return false, nil
	}
	last := rec.LastActionTS
	if last == 0 {
		last = rec.StartTS
	}
	return o.now().Unix()-last > int64(o.stallTimeout().Seconds()), nil
}

func (o *Orchestrator) stallTimeout() time.Duration {
	if o.cfg.ExternalTrigger && o.cfg.StallTimeoutWithTrigger > 0 {
		return o.cfg.StallTimeoutWithTrigger
	}
	if o.cfg.StallTimeout > 0 {
		return o.cfg.StallTimeout
	}
	return 15 * time.Minute
}

// Heartbeat fails a stalled build. A healthy async build gets its non-empty
// queues dispatched again so lost drain messages cannot wedge it.
func (o *Orchestrator) Heartbeat(ctx context.Context) error {
	role, err := o.ActiveRole(ctx)
	if err != nil {
		return err
	}
	stalled, err := o.IsIndexerWorkingTooLong(ctx, role)
	if err != nil {
		return err
	}
	if stalled {
		o.handleFailure(ctx, role, apperrors.Critical(apperrors.TypeStalled,
			fmt.Errorf("%w: no progress for %s", apperrors.ErrStalled, o.stallTimeout())))
		return nil
	}
	state, err := status.Current(ctx, o.status, role)
	if err != nil || state != status.Building || o.runMode() != config.RunModeAsync {
		return err
	}
	for _, kind := range index.Kinds {
		n, err := o.runner.Pending(ctx, role, kind)
		if err != nil {
			return err
		}
		if n > 0 {
			if err := o.dispatcher.Dispatch(ctx, role, kind); err != nil {
				o.logger.Warn("heartbeat dispatch failed", "role", role, "kind", kind, "error", err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) onFailure(ctx context.Context, role index.Role, _ index.Kind, err error) {
	o.handleFailure(ctx, role, err)
}

// abort runs the failure path for an error raised by the orchestrator itself
// and returns it.
func (o *Orchestrator) abort(ctx context.Context, role index.Role, err error) error {
	o.handleFailure(ctx, role, err)
	return err
}

// handleFailure marks role as failed, drops its queues and tables, and
// reports the failure.
func (o *Orchestrator) handleFailure(ctx context.Context, role index.Role, err error) {
	rec, loadErr := status.Load(ctx, o.status, role)
	if loadErr != nil {
		o.logger.Error("loading status during failure handling", "role", role, "error", loadErr)
		rec = &status.Record{Role: role}
	}
	ctx = logger.WithBuildID(ctx, rec.BuildID)
	if terr := status.Transition(ctx, o.status, role, status.Error); terr != nil {
		o.logger.Warn("marking build as failed", "role", role, "error", terr)
	}
	if serr := status.SetInt(ctx, o.status, role, status.KeyEndTS, o.now().Unix()); serr != nil {
		o.logger.Warn("recording failure time", "role", role, "error", serr)
	}
	if cerr := o.runner.CancelAll(ctx, role); cerr != nil {
		o.logger.Error("cancelling queues after failure", "role", role, "error", cerr)
	}
	if derr := o.store.InTx(ctx, func(tx *sql.Tx) error {
		return o.tables.Drop(ctx, o.store, tx, role)
	}); derr != nil {
		o.logger.Error("dropping tables after failure", "role", role, "error", derr)
	}
	o.observeBuild(status.Error)
	o.log(ctx, role, "build failed: "+err.Error())

	event := failure.Event{
		Code:    apperrors.TypeOf(err),
		Message: err.Error(),
		Role:    role,
		BuildID: rec.BuildID,
		Time:    o.now().UTC(),
	}
	if rerr := o.reporter.Report(ctx, event); rerr != nil {
		o.logger.Error("reporting build failure", "role", role, "error", rerr)
	}
}

func (o *Orchestrator) observeBuild(state status.State) {
	if o.metrics != nil {
		o.metrics.BuildsTotal.WithLabelValues(string(state)).Inc()
	}
}
