package engine

import (
	"container/heap"
	"time"
)

// opHeap orders operations by priority, highest first. Operations with equal
// priority keep their enqueue order via the monotonic sequence number.
type opHeap []*Operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) {
	*h = append(*h, x.(*Operation))
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}

// queue is a priority queue of pending operations with duplicate suppression.
// At most one operation per dedup key is pending or in flight at a time.
// Not safe for concurrent use; the engine serializes access under its mutex.
type queue struct {
	heap     opHeap
	pending  map[string]*Operation // dedup key -> queued operation
	inflight map[string]bool       // dedup keys dispatched but not yet terminal
	seq      uint64
}

func newQueue() *queue {
	return &queue{
		pending:  make(map[string]*Operation),
		inflight: make(map[string]bool),
	}
}

// push enqueues an operation. If an operation for the same entity, target and
// operation type is already pending, the queued operation absorbs the newer
// change instead and no new entry is created. Returns the operation that is
// pending after the call and whether a new entry was added.
func (q *queue) push(op *Operation) (*Operation, bool) {
	key := op.dedupKey()
	if existing, ok := q.pending[key]; ok {
		existing.Change = op.Change
		if op.Priority > existing.Priority {
			existing.Priority = op.Priority
			heap.Init(&q.heap)
		}
		existing.UpdatedAt = op.UpdatedAt
		return existing, false
	}

	q.seq++
	op.seq = q.seq
	q.pending[key] = op
	heap.Push(&q.heap, op)
	return op, true
}

// popReady removes and returns up to max operations whose retry delay has
// elapsed, highest priority first. Operations still waiting on their backoff
// are kept in the queue.
func (q *queue) popReady(now time.Time, max int) []*Operation {
	var ready []*Operation
	var deferred []*Operation

	for len(ready) < max && q.heap.Len() > 0 {
		op := heap.Pop(&q.heap).(*Operation)
		key := op.dedupKey()
		if op.NextAttemptAt.After(now) || q.inflight[key] {
			deferred = append(deferred, op)
			continue
		}
		delete(q.pending, key)
		q.inflight[key] = true
		ready = append(ready, op)
	}

	for _, op := range deferred {
		heap.Push(&q.heap, op)
	}
	return ready
}

// requeue puts a retrying operation back without assigning a new sequence
// number, so it keeps its place among equal priorities. Returns false when a
// successor for the same key was enqueued during the attempt: the successor
// already carries the newer change and supersedes the retry.
func (q *queue) requeue(op *Operation) bool {
	key := op.dedupKey()
	delete(q.inflight, key)

	if successor, ok := q.pending[key]; ok {
		if op.Priority > successor.Priority {
			successor.Priority = op.Priority
			heap.Init(&q.heap)
		}
		return false
	}
	q.pending[key] = op
	heap.Push(&q.heap, op)
	return true
}

// release ends an operation's flight, letting a queued successor with the
// same dedup key be dispatched
func (q *queue) release(op *Operation) {
	delete(q.inflight, op.dedupKey())
}

// depth returns the number of queued operations
func (q *queue) depth() int {
	return q.heap.Len()
}
