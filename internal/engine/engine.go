// Package engine implements the drain loop that delivers queued offline
// mutations to the remote endpoint.
//
// The engine reads ready operations from the durable store, dispatches
// them one at a time in createdAt order, and applies each outcome back to
// the store before announcing it on the broadcast hub. A failed dispatch
// is never dropped: the operation stays queued with an incremented attempt
// count and an exponential-with-jitter backoff window. Delivery is
// at-least-once; the remote endpoint must deduplicate by operation id.
//
// Exactly one drain pass runs at a time. Every trigger checks an atomic
// guard and becomes a no-op while a pass is in progress, so triggers are
// cheap to fire redundantly.
package engine

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plumbworks/fieldsync/internal/broadcast"
	apperrors "github.com/plumbworks/fieldsync/internal/errors"
	"github.com/plumbworks/fieldsync/internal/models"
	"github.com/plumbworks/fieldsync/internal/store"
)

// Dispatcher sends one operation's payload to the remote endpoint.
// Implemented by remote.Client.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error)
}

// Broadcaster announces queue state and per-operation outcomes to every
// open UI surface. Implemented by broadcast.Hub.
type Broadcaster interface {
	BroadcastState(pendingCount int, draining bool)
	BroadcastResult(res broadcast.ResultMessage)
}

// nopBroadcaster is the default when no hub is wired (tests, tooling).
type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastState(int, bool)                {}
func (nopBroadcaster) BroadcastResult(broadcast.ResultMessage) {}

// Engine drives pending operations to completion against the remote
// endpoint.
type Engine struct {
	store  *store.Store
	client Dispatcher
	bc     Broadcaster
	log    *logrus.Entry

	// draining guards the pass: check-and-set at entry, unconditional
	// reset on exit, so a panic or error can never wedge the engine.
	draining atomic.Bool
	online   atomic.Bool
	wake     chan struct{} // buffered(1), coalesces redundant triggers

	// injectable for tests
	now  func() time.Time
	rand func() float64
}

// New creates an Engine over the given store and dispatcher. Broadcasting
// is a no-op until SetBroadcaster is called.
func New(st *store.Store, client Dispatcher, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		store:  st,
		client: client,
		bc:     nopBroadcaster{},
		log:    log.WithField("component", "engine"),
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		rand:   rand.Float64,
	}
	e.online.Store(true)
	return e
}

// SetBroadcaster wires the fan-out hub for state and result announcements.
func (e *Engine) SetBroadcaster(bc Broadcaster) {
	if bc != nil {
		e.bc = bc
	}
}

// Run executes drain passes until ctx is cancelled. A pass is attempted
// whenever a trigger wakes the loop or the earliest backoff window in the
// store elapses; the loop re-arms its resume timer after every pass, which
// is what produces eventual re-draining without a separate timer
// subsystem.
func (e *Engine) Run(ctx context.Context) error {
	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if delay, ok := e.resumeDelay(ctx); ok {
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-e.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}

		if _, err := e.DrainPass(ctx); err != nil {
			// Pass abandoned; the next trigger or timer retries from
			// scratch against a consistent store.
			e.log.WithError(err).Warn("drain pass failed")
		}
	}
}

// resumeDelay returns how long the run loop should sleep before the next
// self-resumed pass. ok is false when the queue is empty and only an
// external trigger can start a pass.
func (e *Engine) resumeDelay(ctx context.Context) (time.Duration, bool) {
	next, ok, err := e.store.NextAttemptAt(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to read resume time")
		return 0, false
	}
	if !ok {
		return 0, false
	}

	delay := time.UnixMilli(next).Sub(e.now())
	if delay < time.Second {
		// Floor keeps a persistently failing store or an always-ready
		// leftover from spinning the loop.
		delay = time.Second
	}
	return delay, true
}

// NotifyAdded signals that a producer has persisted a new operation.
func (e *Engine) NotifyAdded() {
	e.wakeLoop()
}

// SyncNow attempts a drain pass immediately. Returns false when a pass is
// already in progress (the request is a no-op; the running pass already
// covers it). Operations in backoff are not forced early.
func (e *Engine) SyncNow(ctx context.Context) bool {
	ran, err := e.DrainPass(ctx)
	if err != nil {
		e.log.WithError(err).Warn("sync-now pass failed")
	}

	// This pass ran outside the run loop, so the loop's resume timer may
	// predate any backoff windows it just set. Wake it to re-arm.
	if count, cerr := e.store.CountOperations(ctx); cerr == nil && count > 0 {
		e.wakeLoop()
	}
	return ran
}

// SetOnline records the platform connectivity signal. Any online signal
// triggers a drain attempt; queued operations are the whole point of
// regaining connectivity.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if online {
		e.wakeLoop()
	}
	if was != online {
		e.log.WithField("online", online).Info("connectivity changed")
	}
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// CacheJob writes a job snapshot for offline reading without touching the
// operation queue. Never a drain trigger.
func (e *Engine) CacheJob(ctx context.Context, jobID string, payload json.RawMessage) error {
	if err := e.store.WriteJobSnapshot(ctx, jobID, payload); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "cache job", err)
	}
	e.log.WithField("job_id", jobID).Debug("job snapshot cached")
	return nil
}

// Status returns the current pending count and whether a pass is running.
func (e *Engine) Status(ctx context.Context) (int, bool, error) {
	count, err := e.store.CountOperations(ctx)
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrStorage, "pending count", err)
	}
	return count, e.draining.Load(), nil
}

// AnnounceStatus re-broadcasts the current queue state without triggering
// a drain.
func (e *Engine) AnnounceStatus(ctx context.Context) {
	count, draining, err := e.Status(ctx)
	if err != nil {
		e.log.WithError(err).Warn("status announce failed")
		return
	}
	e.bc.BroadcastState(count, draining)
}

// OnSignal routes trigger signals received from UI surfaces over the
// broadcast channel. Implements broadcast.SignalHandler.
func (e *Engine) OnSignal(sig broadcast.Signal) {
	switch sig.Action {
	case broadcast.SignalQueueAdded:
		e.NotifyAdded()
	case broadcast.SignalSyncNow:
		go e.SyncNow(context.Background())
	case broadcast.SignalCacheJob:
		if sig.JobID == "" {
			return
		}
		if err := e.CacheJob(context.Background(), sig.JobID, sig.Payload); err != nil {
			e.log.WithError(err).Warn("cache-job signal failed")
		}
	case broadcast.SignalQueueStatus:
		e.AnnounceStatus(context.Background())
	}
}

func (e *Engine) wakeLoop() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// DrainPass runs one complete sweep of currently-ready operations.
// Returns false when another pass already holds the guard. An error means
// the pass was abandoned before processing (store unavailable); individual
// dispatch failures never surface here.
func (e *Engine) DrainPass(ctx context.Context) (bool, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return false, nil
	}
	defer e.draining.Store(false)

	pending, err := e.store.CountOperations(ctx)
	if err != nil {
		return true, apperrors.Wrap(apperrors.ErrStorage, "open pass", err)
	}
	e.bc.BroadcastState(pending, true)

	nowMillis := e.now().UnixMilli()
	ready, err := e.store.ListReadyOperations(ctx, nowMillis)
	if err != nil {
		e.bc.BroadcastState(pending, false)
		return true, apperrors.Wrap(apperrors.ErrStorage, "load ready operations", err)
	}

	e.log.WithFields(logrus.Fields{"pending": pending, "ready": len(ready)}).Debug("drain pass started")

	// Sequential on purpose: one in-flight dispatch at a time, in
	// createdAt order within the ready set. Cancellation (shutdown) stops
	// the pass between operations; a dispatch already in flight always
	// runs to completion and has its outcome persisted, so an operation
	// the remote never saw can't be pushed into backoff.
	for _, op := range ready {
		if ctx.Err() != nil {
			break
		}
		e.processOperation(context.WithoutCancel(ctx), op)
	}

	final, err := e.store.CountOperations(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to read final pending count")
		final = pending
	}
	e.bc.BroadcastState(final, false)

	// Anything left is backing off; the run loop re-arms its resume timer
	// from the store after every pass, so no wake is needed here. Waking
	// would start an immediate no-op pass that ends in the same state and
	// wakes again, spinning until the backoff window elapses.

	e.log.WithField("pending", final).Debug("drain pass finished")
	return true, nil
}

// processOperation dispatches one operation and persists the outcome. All
// errors are absorbed here; a single failure never aborts the rest of the
// pass.
func (e *Engine) processOperation(ctx context.Context, op *models.Operation) {
	result, err := e.client.Dispatch(ctx, op.Kind, op.Payload)
	if err != nil {
		e.recordFailure(ctx, op, err)
		return
	}
	e.recordSuccess(ctx, op, result)
}

func (e *Engine) recordSuccess(ctx context.Context, op *models.Operation, result json.RawMessage) {
	if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
		// Outcome not persisted: leave the operation for a later pass.
		// The remote already applied it, so the retry leans on the
		// endpoint's per-id idempotency.
		e.log.WithError(err).WithField("op_id", op.ID).Error("failed to remove delivered operation")
		return
	}

	if op.JobID != "" && result != nil {
		if err := e.store.WriteJobSnapshot(ctx, op.JobID, result); err != nil {
			e.log.WithError(err).WithField("job_id", op.JobID).Warn("failed to write job snapshot")
		}
	}

	pending := e.pendingCount(ctx)
	e.bc.BroadcastResult(broadcast.ResultMessage{
		OpID:         op.ID,
		Kind:         op.Kind,
		JobID:        op.JobID,
		Status:       "success",
		Result:       result,
		PendingCount: pending,
	})

	e.log.WithFields(logrus.Fields{
		"op_id":   op.ID,
		"kind":    op.Kind,
		"pending": pending,
	}).Info("operation delivered")
}

func (e *Engine) recordFailure(ctx context.Context, op *models.Operation, dispatchErr error) {
	// Delay grows with the operation's failure history; the stored
	// attempt count moves past it.
	delay := Delay(op.Attempt, e.rand)
	attempt := op.Attempt + 1
	nextAttemptAt := e.now().UnixMilli() + delay

	if err := e.store.UpdateOperationMeta(ctx, op.ID, attempt, nextAttemptAt); err != nil {
		e.log.WithError(err).WithField("op_id", op.ID).Error("failed to persist backoff")
	}

	pending := e.pendingCount(ctx)
	e.bc.BroadcastResult(broadcast.ResultMessage{
		OpID:         op.ID,
		Kind:         op.Kind,
		JobID:        op.JobID,
		Status:       "error",
		Error:        dispatchErr.Error(),
		PendingCount: pending,
	})

	e.log.WithFields(logrus.Fields{
		"op_id":    op.ID,
		"kind":     op.Kind,
		"code":     apperrors.CodeOf(dispatchErr),
		"attempt":  attempt,
		"delay_ms": delay,
	}).Warn("dispatch failed, backing off")
}

func (e *Engine) pendingCount(ctx context.Context) int {
	count, err := e.store.CountOperations(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to read pending count")
		return 0
	}
	return count
}
