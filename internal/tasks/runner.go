// Package tasks runs queued index batches. Each (role, kind) pair has its own
// FIFO queue; draining a queue feeds every batch through the processor
// registered for the kind and fires the kind's completion callback once the
// queue is exhausted.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/lock"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/internal/status"
	apperrors "github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/catalog-search/pkg/metrics"
	"github.com/hashicorp/go-multierror"
)

// Batch is the unit handed to a BatchProcessor.
type Batch struct {
	Role index.Role
	Kind index.Kind
	IDs  []int64
	// Check returns ErrCancelled once the role stopped building. Processors
	// call it before each item.
	Check func(ctx context.Context) error
	// Warn records a non-critical error and lets the batch continue.
	Warn func(ctx context.Context, err error)
}

// BatchProcessor indexes one batch and returns the number of items written.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, b Batch) (int, error)
}

// ProcessorFunc adapts a function to BatchProcessor.
type ProcessorFunc func(ctx context.Context, b Batch) (int, error)

func (f ProcessorFunc) ProcessBatch(ctx context.Context, b Batch) (int, error) {
	return f(ctx, b)
}

// Dispatcher schedules a drain of one queue, possibly on another worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, role index.Role, kind index.Kind) error
}

// CompleteFunc runs after the queue of a kind has been exhausted and its end
// timestamp written.
type CompleteFunc func(ctx context.Context, role index.Role) error

// FailureFunc handles a critical error raised while draining.
type FailureFunc func(ctx context.Context, role index.Role, kind index.Kind, err error)

// Options tune the runner. Zero values take the defaults.
type Options struct {
	LivenessInterval time.Duration
	LockWait         time.Duration
	MaxAttempts      int
	Metrics          *metrics.Metrics
}

// Runner drains the batch queues.
type Runner struct {
	queues     QueueStore
	status     status.Store
	locks      lock.Locker
	processors map[index.Kind]BatchProcessor
	onComplete map[index.Kind]CompleteFunc
	onFailure  FailureFunc
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
}

// NewRunner validates that every kind has a processor.
func NewRunner(queues QueueStore, store status.Store, locks lock.Locker, processors map[index.Kind]BatchProcessor, opts Options) (*Runner, error) {
	for _, kind := range index.Kinds {
		if processors[kind] == nil {
			return nil, fmt.Errorf("%w: no batch processor registered for %s", apperrors.ErrUnknownKind, kind)
		}
	}
	for kind := range processors {
		if _, err := index.ParseKind(string(kind)); err != nil {
			return nil, err
		}
	}
	if opts.LivenessInterval <= 0 {
		opts.LivenessInterval = 5 * time.Second
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Runner{
		queues:     queues,
		status:     store,
		locks:      locks,
		processors: processors,
		onComplete: make(map[index.Kind]CompleteFunc),
		opts:       opts,
		logger:     slog.Default().With("component", "task-runner"),
	}, nil
}

// OnComplete registers the completion callback of kind. Call before draining.
func (r *Runner) OnComplete(kind index.Kind, fn CompleteFunc) {
	r.onComplete[kind] = fn
}

// OnFailure registers the critical failure handler. Call before draining.
func (r *Runner) OnFailure(fn FailureFunc) {
	r.onFailure = fn
}

// SetDispatcher sets where DrainNext hands the rest of a queue.
func (r *Runner) SetDispatcher(d Dispatcher) {
	r.dispatcher = d
}

// Chunk splits ids into batches of at most size.
func Chunk(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var batches [][]int64
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end])
	}
	return batches
}

// Enqueue appends batches to the queue of (role, kind).
func (r *Runner) Enqueue(ctx context.Context, role index.Role, kind index.Kind, batches [][]int64) error {
	if err := r.queues.Push(ctx, role, kind, batches); err != nil {
		return err
	}
	r.observeDepth(ctx, role, kind)
	return nil
}

// Pending returns the number of queued batches.
func (r *Runner) Pending(ctx context.Context, role index.Role, kind index.Kind) (int, error) {
	return r.queues.Len(ctx, role, kind)
}

// Cancel drops every queued batch of (role, kind). A drain in progress stops
// at its next status check.
func (r *Runner) Cancel(ctx context.Context, role index.Role, kind index.Kind) error {
	if err := r.queues.Clear(ctx, role, kind); err != nil {
		return err
	}
	r.observeDepth(ctx, role, kind)
	return nil
}

// CancelAll clears the queues of every kind of role.
func (r *Runner) CancelAll(ctx context.Context, role index.Role) error {
	var result *multierror.Error
	for _, kind := range index.Kinds {
		if err := r.Cancel(ctx, role, kind); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type outcome int

const (
	advanced outcome = iota
	exhausted
	halted
)

// Drain processes batches until the queue is empty or the role stops
// building. A concurrent drain of the same queue makes this call a no-op.
func (r *Runner) Drain(ctx context.Context, role index.Role, kind index.Kind) error {
	unlock, ok, err := r.guard(ctx, role, kind)
	if err != nil || !ok {
		return err
	}
	defer unlock()
	for {
		out, err := r.step(ctx, role, kind)
		if err != nil {
			return err
		}
		if out != advanced {
			return nil
		}
	}
}

// DrainNext processes a single batch and dispatches the remainder. It
// reports whether more work was scheduled.
func (r *Runner) DrainNext(ctx context.Context, role index.Role, kind index.Kind) (bool, error) {
	unlock, ok, err := r.guard(ctx, role, kind)
	if err != nil || !ok {
		return false, err
	}
	out, err := r.step(ctx, role, kind)
	unlock()
	if err != nil || out != advanced {
		return false, err
	}
	if r.dispatcher == nil {
		return false, nil
	}
	if err := r.dispatcher.Dispatch(ctx, role, kind); err != nil {
		return false, fmt.Errorf("re-dispatching %s/%s: %w", role, kind, err)
	}
	return true, nil
}

func (r *Runner) guard(ctx context.Context, role index.Role, kind index.Kind) (lock.Unlock, bool, error) {
	if r.processors[kind] == nil {
		return nil, false, fmt.Errorf("%w: %s", apperrors.ErrUnknownKind, kind)
	}
	unlock, err := r.locks.Acquire(ctx, "drain:"+string(role)+":"+string(kind), 0)
	if apperrors.Is(err, apperrors.ErrLockTimeout) {
		r.logger.Debug("queue already draining", "role", role, "kind", kind)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return unlock, true, nil
}

func (r *Runner) step(ctx context.Context, role index.Role, kind index.Kind) (outcome, error) {
	building, err := r.building(ctx, role)
	if err != nil {
		return halted, err
	}
	if !building {
		r.logger.Info("role no longer building, leaving queue", "role", role, "kind", kind)
		return halted, nil
	}

	task, ok, err := r.queues.Peek(ctx, role, kind)
	if err != nil {
		return halted, r.fail(ctx, role, kind, apperrors.Critical(apperrors.TypeDatastore, err))
	}
	if !ok {
		return exhausted, r.complete(ctx, role, kind)
	}

	n, err := r.process(ctx, role, kind, task)
	if ok, err := r.settle(ctx, role, kind, task, err); !ok {
		return halted, err
	}

	if err := r.queues.Ack(ctx, role, kind, task); err != nil {
		return halted, r.fail(ctx, role, kind, apperrors.Critical(apperrors.TypeDatastore, err))
	}
	r.observeBatch(kind, "ok")
	r.observeDepth(ctx, role, kind)
	r.touch(ctx, role)
	r.addProcessed(ctx, role, kind, n)
	return advanced, nil
}

// Run processes batches in order without queueing them, then completes
// kind. Status checks, retries, counters and failure handling are those of
// Drain; there is no draining guard since nothing else can see the batches.
func (r *Runner) Run(ctx context.Context, role index.Role, kind index.Kind, batches [][]int64) error {
	if r.processors[kind] == nil {
		return fmt.Errorf("%w: %s", apperrors.ErrUnknownKind, kind)
	}
	for i := 0; ; i++ {
		building, err := r.building(ctx, role)
		if err != nil {
			return err
		}
		if !building {
			r.logger.Info("role no longer building, stopping run", "role", role, "kind", kind)
			return nil
		}
		if i == len(batches) {
			return r.complete(ctx, role, kind)
		}
		task := Task{Position: int64(i), IDs: batches[i]}
		n, err := r.process(ctx, role, kind, task)
		if ok, err := r.settle(ctx, role, kind, task, err); !ok {
			return err
		}
		r.observeBatch(kind, "ok")
		r.touch(ctx, role)
		r.addProcessed(ctx, role, kind, n)
	}
}

// settle reports whether the run may go on after a batch returned err. A
// cancelled batch stops the run quietly; any other error goes through the
// failure handler.
func (r *Runner) settle(ctx context.Context, role index.Role, kind index.Kind, task Task, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if apperrors.Is(err, apperrors.ErrCancelled) {
		r.logger.Info("batch aborted by cancellation", "role", role, "kind", kind, "position", task.Position)
		r.observeBatch(kind, "cancelled")
		return false, nil
	}
	if err != nil {
		r.observeBatch(kind, "failed")
		return false, r.fail(ctx, role, kind, err)
	}
	return true, nil
}

// process runs the batch, retrying non-critical failures. After the last
// attempt the batch is dropped so the queue keeps moving.
func (r *Runner) process(ctx context.Context, role index.Role, kind index.Kind, task Task) (int, error) {
	b := Batch{
		Role: role,
		Kind: kind,
		IDs:  task.IDs,
		Check: func(ctx context.Context) error {
			building, err := r.building(ctx, role)
			if err != nil {
				return err
			}
			if !building {
				return apperrors.ErrCancelled
			}
			return nil
		},
		Warn: func(ctx context.Context, err error) {
			r.warn(ctx, role, kind, err)
		},
	}
	for attempt := 1; ; attempt++ {
		n, err := r.processors[kind].ProcessBatch(ctx, b)
		if err == nil {
			r.observeIndexed(kind, n)
			return n, nil
		}
		if ctx.Err() != nil || apperrors.Is(err, apperrors.ErrCancelled) || apperrors.IsCritical(err) {
			return 0, err
		}
		r.warn(ctx, role, kind, err)
		if attempt >= r.opts.MaxAttempts {
			r.logger.Warn("dropping batch after repeated failures",
				"role", role,
				"kind", kind,
				"position", task.Position,
				"attempts", attempt,
				"error", err,
			)
			return 0, nil
		}
	}
}

func (r *Runner) building(ctx context.Context, role index.Role) (bool, error) {
	state, err := status.Current(ctx, r.status, role)
	if err != nil {
		return false, err
	}
	return state == status.Building, nil
}

// complete runs once per build and kind: a queue found empty again after its
// end timestamp was written is left alone.
func (r *Runner) complete(ctx context.Context, role index.Role, kind index.Kind) error {
	end, err := status.GetInt(ctx, r.status, role, status.EndKey(kind))
	if err != nil {
		return r.fail(ctx, role, kind, apperrors.Critical(apperrors.TypeDatastore, err))
	}
	if end != 0 {
		return nil
	}
	if err := status.SetInt(ctx, r.status, role, status.EndKey(kind), status.Now()); err != nil {
		return r.fail(ctx, role, kind, apperrors.Critical(apperrors.TypeDatastore, err))
	}
	r.logger.Info("queue exhausted", "role", role, "kind", kind)
	fn := r.onComplete[kind]
	if fn == nil {
		return nil
	}
	if err := fn(ctx, role); err != nil {
		return r.fail(ctx, role, kind, err)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, role index.Role, kind index.Kind, err error) error {
	r.logger.Error("critical index failure",
		"role", role,
		"kind", kind,
		"type", apperrors.TypeOf(err),
		"error", err,
	)
	if r.opts.Metrics != nil {
		r.opts.Metrics.IndexErrorsTotal.WithLabelValues(apperrors.SeverityCritical.String(), apperrors.TypeOf(err)).Inc()
	}
	if r.onFailure != nil {
		r.onFailure(ctx, role, kind, err)
	}
	return err
}

func (r *Runner) warn(ctx context.Context, role index.Role, kind index.Kind, err error) {
	errType := apperrors.TypeOf(err)
	first, recErr := status.RecordNonCritical(ctx, r.status, role, errType, err.Error())
	if recErr != nil {
		r.logger.Warn("recording non-critical error failed", "role", role, "error", recErr)
	}
	if first {
		r.logger.Warn("non-critical index error", "role", role, "kind", kind, "type", errType, "error", err)
	} else {
		r.logger.Debug("non-critical index error", "role", role, "kind", kind, "type", errType, "error", err)
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.IndexErrorsTotal.WithLabelValues(apperrors.SeverityNonCritical.String(), errType).Inc()
	}
}

// touch refreshes last_action_ts when it is older than the liveness interval.
func (r *Runner) touch(ctx context.Context, role index.Role) {
	last, err := status.GetInt(ctx, r.status, role, status.KeyLastActionTS)
	if err != nil {
		r.logger.Warn("reading liveness timestamp failed", "role", role, "error", err)
		return
	}
	now := status.Now()
	if time.Duration(now-last)*time.Second < r.opts.LivenessInterval {
		return
	}
	if err := status.SetInt(ctx, r.status, role, status.KeyLastActionTS, now); err != nil {
		r.logger.Warn("updating liveness timestamp failed", "role", role, "error", err)
	}
}

// addProcessed bumps the processed counter of kind under the role's status
// lock, skipping the update when the lock cannot be taken in time.
func (r *Runner) addProcessed(ctx context.Context, role index.Role, kind index.Kind, n int) {
	if n == 0 {
		return
	}
	unlock, err := r.locks.Acquire(ctx, "status:"+string(role), r.opts.LockWait)
	if err != nil {
		r.logger.Warn("skipping processed counter update", "role", role, "kind", kind, "count", n, "error", err)
		return
	}
	defer unlock()
	key := status.ProcessedKey(kind)
	current, err := status.GetInt(ctx, r.status, role, key)
	if err != nil {
		r.logger.Warn("reading processed counter failed", "role", role, "kind", kind, "error", err)
		return
	}
	if err := status.SetInt(ctx, r.status, role, key, current+int64(n)); err != nil {
		r.logger.Warn("writing processed counter failed", "role", role, "kind", kind, "error", err)
	}
}

func (r *Runner) observeDepth(ctx context.Context, role index.Role, kind index.Kind) {
	if r.opts.Metrics == nil {
		return
	}
	n, err := r.queues.Len(ctx, role, kind)
	if err != nil {
		return
	}
	r.opts.Metrics.QueueDepth.WithLabelValues(string(role), string(kind)).Set(float64(n))
}

func (r *Runner) observeBatch(kind index.Kind, result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.BatchesTotal.WithLabelValues(string(kind), result).Inc()
	}
}

func (r *Runner) observeIndexed(kind index.Kind, n int) {
	if r.opts.Metrics != nil && n > 0 {
		r.opts.Metrics.DocsIndexedTotal.WithLabelValues(string(kind)).Add(float64(n))
	}
}
