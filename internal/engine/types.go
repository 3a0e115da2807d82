// Package engine orchestrates sync operations: it turns detected changes
// into prioritized operations, checks them for conflicts, dispatches them to
// target systems and retries transient failures with exponential backoff.
package engine

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/errcode"
)

// Status is the lifecycle state of a sync operation
type Status string

const (
	// StatusPending means the operation is queued and waiting to run
	StatusPending Status = "pending"

	// StatusProcessing means the operation is being dispatched
	StatusProcessing Status = "processing"

	// StatusCompleted means the target system accepted the write
	StatusCompleted Status = "completed"

	// StatusFailed means the operation exhausted its attempts or hit a
	// non-retryable error
	StatusFailed Status = "failed"

	// StatusConflicted means an unresolvable conflict blocked the operation.
	// Conflicted operations are terminal and are not retried.
	StatusConflicted Status = "conflicted"

	// StatusCancelled means the operation was discarded before dispatch
	StatusCancelled Status = "cancelled"
)

// Operation is one unit of sync work: one change propagated to one target
// system
type Operation struct {
	// ID uniquely identifies the operation
	ID string `json:"id"`

	// Change is the detected change being propagated
	Change *change.Event `json:"change"`

	// TargetSystem is the system being written to
	TargetSystem string `json:"targetSystem"`

	// Priority orders the queue, 1 (lowest) to 10 (highest)
	Priority int `json:"priority"`

	// Status is the operation's lifecycle state
	Status Status `json:"status"`

	// Attempts counts dispatch attempts so far
	Attempts int `json:"attempts"`

	// CreatedAt is when the operation was enqueued
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the operation last changed state
	UpdatedAt time.Time `json:"updatedAt"`

	// NextAttemptAt is the earliest time the next attempt may run
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`

	// LastError describes the most recent failure
	LastError string `json:"lastError,omitempty"`

	// ErrorCode classifies the most recent failure
	ErrorCode errcode.Code `json:"errorCode,omitempty"`

	// ConflictIDs lists conflicts that blocked the operation
	ConflictIDs []string `json:"conflictIds,omitempty"`

	seq   uint64
	retry *backoff.ExponentialBackOff
}

// dedupKey identifies the operation for duplicate suppression: only one
// pending operation may exist per entity, target system and operation type
func (o *Operation) dedupKey() string {
	return fmt.Sprintf("%s|%s|%s", o.Change.EntityID, o.TargetSystem, o.Change.Operation)
}

// nextDelay returns the backoff delay before the operation's next attempt
func (o *Operation) nextDelay(cfg *config.RetryConfig) time.Duration {
	if o.retry == nil {
		o.retry = newBackOff(cfg)
	}
	return o.retry.NextBackOff()
}

// newBackOff builds the per-operation exponential backoff from the retry
// policy. Without jitter the delays are exactly
// baseDelay * multiplier^(attempt-1), capped at maxDelay.
func newBackOff(cfg *config.RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.MaxDelay
	if cfg.JitterEnabled {
		b.RandomizationFactor = 0.2
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}
