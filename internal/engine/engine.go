package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/conflict"
	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/errcode"
	"github.com/unisync/unisync/internal/events"
	"github.com/unisync/unisync/internal/state"
	"github.com/unisync/unisync/internal/target"
	"github.com/unisync/unisync/internal/telemetry"
)

// updatedBySyncEngine marks entity copies written by the engine
const updatedBySyncEngine = "sync-engine"

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks -source=engine.go Engine

// Engine coordinates the full sync pipeline: change intake, prioritized
// queueing, conflict checking, dispatch and retry.
type Engine interface {
	// Start begins the background queue-drain loop and the configured
	// scheduling strategy. Blocks until the context is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully stops the engine, waiting up to the configured stop
	// timeout for in-flight operations to drain
	Stop() error

	// TriggerSync scans for changes and enqueues the resulting operations.
	// source narrows the scan to one source system; targetSystem and
	// entityID, when non-empty, narrow the fan-out. Returns the ids of the
	// enqueued operations.
	TriggerSync(ctx context.Context, source entity.SourceSystem, targetSystem, entityID string) ([]string, error)

	// EnqueueChanges turns detected changes into queued operations.
	// Wired as the change detector's sink.
	EnqueueChanges(changes []*change.Event) []string

	// Operation returns the operation with the given id
	Operation(id string) (*Operation, bool)

	// Operations returns all tracked operations with the given status, or
	// every operation when status is empty
	Operations(status Status) []*Operation

	// QueueDepth returns the number of queued operations
	QueueDepth() int
}

// Option configures the engine
type Option func(*defaultEngine)

// WithEventBus sets the event bus sync lifecycle events are published to
func WithEventBus(bus *events.Bus) Option {
	return func(e *defaultEngine) {
		e.bus = bus
	}
}

// WithSyncMetrics sets the sync operation metrics
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(e *defaultEngine) {
		e.metrics = metrics
	}
}

// WithClock overrides the engine's clock
func WithClock(now func() time.Time) Option {
	return func(e *defaultEngine) {
		e.now = now
	}
}

// defaultEngine is the default Engine implementation
type defaultEngine struct {
	cfg      *config.Config
	store    entity.Store
	detector change.Detector
	resolver conflict.Resolver
	targets  target.Registry
	states   state.Manager
	strategy change.SchedulingStrategy
	bus      *events.Bus
	metrics  *telemetry.SyncMetrics
	now      func() time.Time

	mu         sync.Mutex
	queue      *queue
	operations map[string]*Operation
	inflight   int

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
	running    bool
}

// New creates a sync engine with injected dependencies
func New(
	cfg *config.Config,
	store entity.Store,
	detector change.Detector,
	resolver conflict.Resolver,
	targets target.Registry,
	states state.Manager,
	opts ...Option,
) Engine {
	e := &defaultEngine{
		cfg:        cfg,
		store:      store,
		detector:   detector,
		resolver:   resolver,
		targets:    targets,
		states:     states,
		strategy:   change.NewStrategy(cfg.Engine.Mode, cfg.Detector.PollInterval),
		now:        time.Now,
		queue:      newQueue(),
		operations: make(map[string]*Operation),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	detector.SetSink(func(changes []*change.Event) {
		e.EnqueueChanges(changes)
	})

	// In hybrid mode, finished transformations trigger an immediate re-scan
	if e.bus != nil {
		e.bus.Subscribe(events.TransformCompleted, func(events.Event) {
			e.strategy.OnTransformCompleted()
		})
	}

	for _, sys := range targets.List() {
		states.RegisterSystem(string(sys.Name()))
	}

	return e
}

// Start begins the background queue-drain loop and the scheduling strategy
func (e *defaultEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("sync engine is already running")
	}
	e.running = true
	e.mu.Unlock()

	slog.Info("Starting sync engine",
		"mode", e.cfg.Engine.Mode,
		"tick_interval", e.cfg.Engine.TickInterval,
		"max_concurrent", e.cfg.Engine.MaxConcurrentOperations)

	engineCtx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	defer func() {
		close(e.done)
		slog.Info("Sync engine shutting down")
	}()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.strategy.Run(engineCtx, e.detector)
	}()
	go func() {
		defer e.wg.Done()
		e.states.Start(engineCtx)
	}()

	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	// Drain whatever is already queued before the first tick
	e.drainQueue(engineCtx)

	for {
		select {
		case <-ticker.C:
			e.drainQueue(engineCtx)
		case <-engineCtx.Done():
			e.publish(events.SyncStopped, map[string]any{
				"queueDepth": e.QueueDepth(),
			})
			return nil
		}
	}
}

// Stop gracefully stops the engine
func (e *defaultEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancelFunc
	e.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync engine")
		cancel()
	}

	// Wait for the loop and in-flight operations to drain, bounded by the
	// stop timeout
	drained := make(chan struct{})
	go func() {
		<-e.done
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(e.cfg.Engine.StopTimeout):
		return fmt.Errorf("sync engine stop timed out after %s", e.cfg.Engine.StopTimeout)
	}
}

// TriggerSync scans for changes and enqueues the resulting operations
func (e *defaultEngine) TriggerSync(_ context.Context, source entity.SourceSystem, targetSystem, entityID string) ([]string, error) {
	if targetSystem != "" {
		if _, err := e.targets.Get(entity.SourceSystem(targetSystem)); err != nil {
			return nil, err
		}
	}

	detected := e.detector.Scan(source)

	var filtered []*change.Event
	for _, ev := range detected {
		if entityID != "" && ev.EntityID != entityID {
			continue
		}
		if targetSystem != "" {
			// Detected events are immutable; narrow the fan-out on a copy
			targets := intersect(ev.TargetSystems, targetSystem)
			if len(targets) == 0 {
				continue
			}
			narrowed := *ev
			narrowed.TargetSystems = targets
			ev = &narrowed
		}
		filtered = append(filtered, ev)
	}

	ids := e.EnqueueChanges(filtered)
	e.publish(events.SyncStarted, map[string]any{
		"source":     string(source),
		"target":     targetSystem,
		"operations": len(ids),
	})
	return ids, nil
}

// EnqueueChanges turns detected changes into queued operations
func (e *defaultEngine) EnqueueChanges(changes []*change.Event) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for _, ev := range changes {
		for _, targetName := range ev.TargetSystems {
			now := e.now().UTC()
			op := &Operation{
				ID:           uuid.New().String(),
				Change:       ev,
				TargetSystem: targetName,
				Priority:     ev.Priority,
				Status:       StatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			}

			queued, added := e.queue.push(op)
			if !added {
				slog.Debug("Absorbed duplicate sync operation",
					"entity_id", ev.EntityID,
					"target", targetName,
					"operation", ev.Operation)
				ids = append(ids, queued.ID)
				continue
			}

			e.operations[op.ID] = op
			e.states.OperationEnqueued(targetName)
			ids = append(ids, op.ID)
		}
	}

	e.metrics.RecordQueueDepth(context.Background(), int64(e.queue.depth()))
	return ids
}

// Operation returns the operation with the given id
func (e *defaultEngine) Operation(id string) (*Operation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.operations[id]
	return op, ok
}

// Operations returns tracked operations filtered by status
func (e *defaultEngine) Operations(status Status) []*Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Operation
	for _, op := range e.operations {
		if status == "" || op.Status == status {
			out = append(out, op)
		}
	}
	return out
}

// QueueDepth returns the number of queued operations
func (e *defaultEngine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.depth()
}

// drainQueue dispatches ready operations up to the concurrency cap
func (e *defaultEngine) drainQueue(ctx context.Context) {
	e.mu.Lock()
	capacity := e.cfg.Engine.MaxConcurrentOperations - e.inflight
	if capacity <= 0 {
		e.mu.Unlock()
		return
	}
	ready := e.queue.popReady(e.now(), capacity)
	for _, op := range ready {
		op.Status = StatusProcessing
		op.UpdatedAt = e.now().UTC()
		e.inflight++
		e.states.OperationStarted(op.TargetSystem)
	}
	e.mu.Unlock()

	for _, op := range ready {
		e.wg.Add(1)
		go func(op *Operation) {
			defer e.wg.Done()
			e.processOperation(ctx, op)
			e.mu.Lock()
			e.inflight--
			e.mu.Unlock()
		}(op)
	}
}

// processOperation runs one dispatch attempt for an operation
func (e *defaultEngine) processOperation(ctx context.Context, op *Operation) {
	start := e.now()

	sys, err := e.targets.Get(entity.SourceSystem(op.TargetSystem))
	if err != nil {
		e.failOperation(ctx, op, errcode.Wrap(err, errcode.SystemError, "unknown target system"), start)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.DefaultTimeout)
	defer cancel()

	targetCur, _, err := sys.Get(opCtx, op.Change.EntityID)
	if err != nil {
		// Reading the target's current copy can fail transiently just like
		// the write; both go through the retry policy
		e.handleFailure(ctx, op, err, start)
		return
	}

	src := sourceVersion(op.Change)
	expected := e.expectedTargetState(op.Change.Operation, src, targetCur)

	// Conflict check before dispatch, against the source version as it was
	// actually modified. The merged write state would carry a refreshed
	// timestamp and defeat recency-based resolution. An unresolvable
	// conflict is terminal: the operation is parked, not retried.
	if src != nil {
		proposal := &conflict.Proposal{
			OperationID:  op.ID,
			Operation:    op.Change.Operation,
			TargetSystem: op.TargetSystem,
			Source:       src,
			Target:       targetCur,
		}
		if conflicts := e.resolver.DetectConflicts(proposal); len(conflicts) > 0 {
			e.publish(events.SyncConflictDetected, map[string]any{
				"operationId": op.ID,
				"entityId":    op.Change.EntityID,
				"target":      op.TargetSystem,
				"conflicts":   len(conflicts),
			})

			resolved, ok := e.resolver.ResolveConflicts(proposal, conflicts)
			if !ok {
				e.parkConflicted(ctx, op, conflicts, start)
				return
			}
			expected = e.expectedTargetState(op.Change.Operation, resolved, targetCur)
		}
	}

	err = e.dispatch(opCtx, sys, op, expected)
	if errors.Is(err, context.DeadlineExceeded) {
		err = errcode.Wrap(err, errcode.Timeout, "operation timed out")
	}

	if err != nil {
		e.handleFailure(ctx, op, err, start)
		return
	}

	e.completeOperation(ctx, op, start)
}

// sourceVersion returns the entity version a change is propagating: the
// current version, or for deletes the last one seen
func sourceVersion(ev *change.Event) *entity.UnifiedEntity {
	if ev.CurrentVersion != nil {
		return ev.CurrentVersion
	}
	return ev.PreviousVersion
}

// expectedTargetState derives the entity copy to write to the target:
// creates get a clone stamped as synthesized by the sync layer, updates get
// the source merged over the target's copy with a refreshed update time, and
// deletes and restores get the source copy with the corresponding status.
func (e *defaultEngine) expectedTargetState(op change.OperationType, source, targetCur *entity.UnifiedEntity) *entity.UnifiedEntity {
	if source == nil {
		return nil
	}

	switch op {
	case change.OperationCreate:
		expected := source.Clone()
		expected.Provenance.SourceType = entity.SystemSynthetic
		expected.UpdatedBy = updatedBySyncEngine
		return expected

	case change.OperationDelete:
		expected := source.Clone()
		expected.Status = entity.StatusArchived
		expected.UpdatedBy = updatedBySyncEngine
		return expected

	case change.OperationRestore:
		expected := source.Clone()
		expected.Status = entity.StatusActive
		expected.UpdatedBy = updatedBySyncEngine
		expected.UpdatedAt = e.now().UTC()
		return expected

	default: // update
		if targetCur == nil {
			expected := source.Clone()
			expected.UpdatedAt = e.now().UTC()
			return expected
		}
		expected := targetCur.Clone()
		expected.Title = source.Title
		expected.Description = source.Description
		expected.Status = source.Status
		expected.Priority = source.Priority
		expected.Tags = append([]string(nil), source.Tags...)
		if expected.Metadata == nil {
			expected.Metadata = make(map[string]any, len(source.Metadata))
		}
		for k, v := range source.Metadata {
			expected.Metadata[k] = v
		}
		expected.Provenance.Version = source.Provenance.Version
		expected.UpdatedBy = updatedBySyncEngine
		expected.UpdatedAt = e.now().UTC()
		return expected
	}
}

// dispatch performs the write against the target system
func (e *defaultEngine) dispatch(ctx context.Context, sys target.System, op *Operation, expected *entity.UnifiedEntity) error {
	switch op.Change.Operation {
	case change.OperationCreate:
		return sys.Create(ctx, expected)
	case change.OperationDelete:
		return sys.Delete(ctx, op.Change.EntityID)
	default: // update, restore
		return sys.Update(ctx, expected)
	}
}

// handleFailure classifies a dispatch failure and either schedules a retry or
// fails the operation permanently
func (e *defaultEngine) handleFailure(ctx context.Context, op *Operation, dispatchErr error, start time.Time) {
	code := errcode.CodeOf(dispatchErr)

	e.mu.Lock()
	op.Attempts++
	op.LastError = dispatchErr.Error()
	op.ErrorCode = code
	op.UpdatedAt = e.now().UTC()

	retryable := e.cfg.Retry.IsRetryable(string(code))
	if retryable && op.Attempts < e.cfg.Retry.MaxAttempts {
		delay := op.nextDelay(&e.cfg.Retry)
		op.Status = StatusPending
		op.NextAttemptAt = e.now().Add(delay)
		if !e.queue.requeue(op) {
			// A newer change for the same key arrived during the attempt
			// and supersedes this retry
			op.Status = StatusCancelled
			e.mu.Unlock()
			e.states.OperationDiscarded(op.TargetSystem)

			slog.Info("Sync operation superseded by a newer change",
				"operation_id", op.ID,
				"entity_id", op.Change.EntityID,
				"target", op.TargetSystem)
			return
		}
		e.states.OperationEnqueued(op.TargetSystem)
		e.mu.Unlock()

		// The started slot is released; the retry counts as a fresh start
		e.states.OperationDiscarded(op.TargetSystem)

		slog.Warn("Sync operation failed, retrying",
			"operation_id", op.ID,
			"target", op.TargetSystem,
			"attempt", op.Attempts,
			"code", string(code),
			"retry_in", delay,
			"error", dispatchErr)
		return
	}
	e.mu.Unlock()

	e.failOperation(ctx, op, dispatchErr, start)
}

// failOperation marks the operation permanently failed
func (e *defaultEngine) failOperation(ctx context.Context, op *Operation, err error, start time.Time) {
	code := errcode.CodeOf(err)

	e.mu.Lock()
	if op.Attempts == 0 {
		op.Attempts = 1
	}
	op.Status = StatusFailed
	op.LastError = err.Error()
	op.ErrorCode = code
	op.UpdatedAt = e.now().UTC()
	e.queue.release(op)
	e.mu.Unlock()

	latency := e.now().Sub(start)
	e.states.OperationFailed(op.TargetSystem, latency)
	e.metrics.RecordOperation(ctx, op.TargetSystem, string(StatusFailed), latency)

	slog.Error("Sync operation failed permanently",
		"operation_id", op.ID,
		"entity_id", op.Change.EntityID,
		"target", op.TargetSystem,
		"attempts", op.Attempts,
		"code", string(code),
		"error", err)

	e.publish(events.SyncFailed, map[string]any{
		"operationId": op.ID,
		"entityId":    op.Change.EntityID,
		"target":      op.TargetSystem,
		"code":        string(code),
		"error":       err.Error(),
	})
}

// parkConflicted marks the operation conflicted. Conflicted operations are
// terminal and await manual resolution.
func (e *defaultEngine) parkConflicted(ctx context.Context, op *Operation, conflicts []*conflict.Conflict, start time.Time) {
	e.mu.Lock()
	op.Status = StatusConflicted
	op.ErrorCode = errcode.ConflictError
	op.UpdatedAt = e.now().UTC()
	for _, c := range conflicts {
		op.ConflictIDs = append(op.ConflictIDs, c.ID)
	}
	e.queue.release(op)
	e.mu.Unlock()

	e.states.OperationDiscarded(op.TargetSystem)
	e.metrics.RecordOperation(ctx, op.TargetSystem, string(StatusConflicted), e.now().Sub(start))

	slog.Warn("Sync operation blocked by unresolved conflicts",
		"operation_id", op.ID,
		"entity_id", op.Change.EntityID,
		"target", op.TargetSystem,
		"conflicts", len(conflicts))
}

// completeOperation marks the operation completed and reports its latency
func (e *defaultEngine) completeOperation(ctx context.Context, op *Operation, start time.Time) {
	e.mu.Lock()
	op.Attempts++
	op.Status = StatusCompleted
	op.LastError = ""
	op.UpdatedAt = e.now().UTC()
	e.queue.release(op)
	e.mu.Unlock()

	latency := e.now().Sub(start)
	e.states.OperationCompleted(op.TargetSystem, latency)
	e.metrics.RecordOperation(ctx, op.TargetSystem, string(StatusCompleted), latency)

	e.publish(events.SyncCompleted, map[string]any{
		"operationId": op.ID,
		"entityId":    op.Change.EntityID,
		"target":      op.TargetSystem,
		"operation":   string(op.Change.Operation),
		"durationMs":  latency.Milliseconds(),
	})
}

// publish emits a sync lifecycle event
func (e *defaultEngine) publish(eventType events.Type, data map[string]any) {
	e.bus.Publish(eventType, "sync-engine", data)
}

// intersect returns the subset of systems equal to the wanted name
func intersect(systems []string, wanted string) []string {
	for _, s := range systems {
		if s == wanted {
			return []string{wanted}
		}
	}
	return nil
}
