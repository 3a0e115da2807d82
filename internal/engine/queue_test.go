package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
)

func queuedOp(entityID, targetSystem string, op change.OperationType, priority int) *Operation {
	return &Operation{
		ID: uuid.NewString(),
		Change: &change.Event{
			ID:        uuid.NewString(),
			EntityID:  entityID,
			Operation: op,
			Priority:  priority,
		},
		TargetSystem: targetSystem,
		Priority:     priority,
		Status:       StatusPending,
	}
}

func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	q := newQueue()
	q.push(queuedOp("ent-1", "calendar", change.OperationUpdate, 3))
	q.push(queuedOp("ent-2", "calendar", change.OperationUpdate, 9))
	q.push(queuedOp("ent-3", "calendar", change.OperationUpdate, 6))

	ready := q.popReady(time.Now(), 10)
	require.Len(t, ready, 3)
	assert.Equal(t, "ent-2", ready[0].Change.EntityID)
	assert.Equal(t, "ent-3", ready[1].Change.EntityID)
	assert.Equal(t, "ent-1", ready[2].Change.EntityID)
	assert.Equal(t, 0, q.depth())
}

func TestQueueEqualPriorityKeepsEnqueueOrder(t *testing.T) {
	t.Parallel()

	q := newQueue()
	for _, id := range []string{"ent-1", "ent-2", "ent-3"} {
		q.push(queuedOp(id, "calendar", change.OperationUpdate, 5))
	}

	ready := q.popReady(time.Now(), 10)
	require.Len(t, ready, 3)
	for i, id := range []string{"ent-1", "ent-2", "ent-3"} {
		assert.Equal(t, id, ready[i].Change.EntityID)
	}
}

func TestQueueDuplicateAbsorption(t *testing.T) {
	t.Parallel()

	q := newQueue()

	first := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	queued, added := q.push(first)
	assert.True(t, added)
	assert.Same(t, first, queued)

	// same entity, target and operation: absorbed into the queued op
	second := queuedOp("ent-1", "calendar", change.OperationUpdate, 8)
	queued, added = q.push(second)
	assert.False(t, added)
	assert.Same(t, first, queued)
	assert.Equal(t, 8, queued.Priority)
	assert.Same(t, second.Change, queued.Change)
	assert.Equal(t, 1, q.depth())

	// a different operation type for the same entity is a separate entry
	_, added = q.push(queuedOp("ent-1", "calendar", change.OperationDelete, 5))
	assert.True(t, added)
	assert.Equal(t, 2, q.depth())

	// so is the same operation against a different target
	_, added = q.push(queuedOp("ent-1", "v2", change.OperationUpdate, 5))
	assert.True(t, added)
	assert.Equal(t, 3, q.depth())
}

func TestQueueAbsorbedPriorityBumpReorders(t *testing.T) {
	t.Parallel()

	q := newQueue()
	q.push(queuedOp("ent-1", "calendar", change.OperationUpdate, 5))
	q.push(queuedOp("ent-2", "calendar", change.OperationUpdate, 6))
	q.push(queuedOp("ent-1", "calendar", change.OperationUpdate, 9))

	ready := q.popReady(time.Now(), 10)
	require.Len(t, ready, 2)
	assert.Equal(t, "ent-1", ready[0].Change.EntityID)
	assert.Equal(t, 9, ready[0].Priority)
}

func TestQueuePopReadyDefersBackedOffOperations(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := newQueue()

	waiting := queuedOp("ent-1", "calendar", change.OperationUpdate, 9)
	waiting.NextAttemptAt = now.Add(time.Minute)
	q.push(waiting)
	q.push(queuedOp("ent-2", "calendar", change.OperationUpdate, 2))

	ready := q.popReady(now, 10)
	require.Len(t, ready, 1)
	assert.Equal(t, "ent-2", ready[0].Change.EntityID)
	assert.Equal(t, 1, q.depth())

	// once the delay elapses the deferred op comes out first
	ready = q.popReady(now.Add(2*time.Minute), 10)
	require.Len(t, ready, 1)
	assert.Equal(t, "ent-1", ready[0].Change.EntityID)
}

func TestQueuePopReadyRespectsMax(t *testing.T) {
	t.Parallel()

	q := newQueue()
	for _, id := range []string{"ent-1", "ent-2", "ent-3"} {
		q.push(queuedOp(id, "calendar", change.OperationUpdate, 5))
	}

	ready := q.popReady(time.Now(), 2)
	assert.Len(t, ready, 2)
	assert.Equal(t, 1, q.depth())
}

func TestQueueRequeueKeepsSequence(t *testing.T) {
	t.Parallel()

	q := newQueue()
	first := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	q.push(first)
	q.push(queuedOp("ent-2", "calendar", change.OperationUpdate, 5))

	ready := q.popReady(time.Now(), 1)
	require.Len(t, ready, 1)
	require.Same(t, first, ready[0])

	// a retrying operation rejoins ahead of later arrivals of equal priority
	q.requeue(first)
	q.push(queuedOp("ent-3", "calendar", change.OperationUpdate, 5))

	drained := q.popReady(time.Now(), 10)
	require.Len(t, drained, 3)
	assert.Equal(t, "ent-1", drained[0].Change.EntityID)
	assert.Equal(t, "ent-2", drained[1].Change.EntityID)
	assert.Equal(t, "ent-3", drained[2].Change.EntityID)
}

func TestQueueSerializesSameKeyWhileInFlight(t *testing.T) {
	t.Parallel()

	q := newQueue()
	first := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	q.push(first)

	ready := q.popReady(time.Now(), 10)
	require.Len(t, ready, 1)

	// a successor arriving mid-flight queues up but is not dispatched
	successor := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	_, added := q.push(successor)
	assert.True(t, added)
	assert.Empty(t, q.popReady(time.Now(), 10))
	assert.Equal(t, 1, q.depth())

	q.release(first)
	ready = q.popReady(time.Now(), 10)
	require.Len(t, ready, 1)
	assert.Same(t, successor, ready[0])
}

func TestQueueRequeueFoldsIntoSuccessor(t *testing.T) {
	t.Parallel()

	q := newQueue()
	first := queuedOp("ent-1", "calendar", change.OperationUpdate, 8)
	q.push(first)

	ready := q.popReady(time.Now(), 1)
	require.Len(t, ready, 1)

	successor := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	q.push(successor)

	// the retry folds into the successor, which inherits the higher priority
	assert.False(t, q.requeue(first))
	assert.Equal(t, 1, q.depth())
	assert.Equal(t, 8, successor.Priority)

	drained := q.popReady(time.Now(), 10)
	require.Len(t, drained, 1)
	assert.Same(t, successor, drained[0])
}

func TestBackoffDelays(t *testing.T) {
	t.Parallel()

	cfg := &config.RetryConfig{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		JitterEnabled:     false,
	}

	op := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	assert.Equal(t, 1*time.Second, op.nextDelay(cfg))
	assert.Equal(t, 2*time.Second, op.nextDelay(cfg))
	assert.Equal(t, 4*time.Second, op.nextDelay(cfg))
	// capped at maxDelay
	assert.Equal(t, 5*time.Second, op.nextDelay(cfg))
	assert.Equal(t, 5*time.Second, op.nextDelay(cfg))
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	cfg := &config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterEnabled:     true,
	}

	op := queuedOp("ent-1", "calendar", change.OperationUpdate, 5)
	delay := op.nextDelay(cfg)
	assert.GreaterOrEqual(t, delay, 800*time.Millisecond)
	assert.LessOrEqual(t, delay, 1200*time.Millisecond)
}
