// Package state aggregates per-system sync statistics into a composite
// health score and periodically snapshots the full state.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// latencySmoothing is the exponential smoothing factor for average latency
const latencySmoothing = 0.1

// Health score thresholds and penalties
const (
	penaltyOfflineSystem    = 20
	penaltyErrorRateHigh    = 30 // error rate above 10%
	penaltyErrorRateElev    = 15 // error rate above 5%
	penaltyBacklogHigh      = 20 // backlog above 100
	penaltyBacklogElev      = 10 // backlog above 50
	penaltyLatencyHigh      = 15 // average latency above 5s
	penaltyLatencyElev      = 5  // average latency above 2s
	healthyThreshold        = 90
	degradedThreshold       = 70
	errorRateHighThreshold  = 0.10
	errorRateElevThreshold  = 0.05
	backlogHighThreshold    = 100
	backlogElevThreshold    = 50
	latencyHighThresholdMs  = 5000
	latencyElevThresholdMs  = 2000
)

// HealthStatus summarizes the composite health score
type HealthStatus string

const (
	// StatusHealthy means a health score of 90 or above
	StatusHealthy HealthStatus = "healthy"

	// StatusDegraded means a health score in [70, 90)
	StatusDegraded HealthStatus = "degraded"

	// StatusCritical means a health score below 70
	StatusCritical HealthStatus = "critical"
)

// SystemState holds the aggregate counters for one target system
type SystemState struct {
	// Name is the system's identifier
	Name string `json:"name"`

	// Online reports whether the system is reachable
	Online bool `json:"online"`

	// Pending counts queued operations for this system
	Pending int `json:"pending"`

	// InProgress counts operations currently executing
	InProgress int `json:"inProgress"`

	// CompletedToday counts operations completed since counter reset
	CompletedToday int `json:"completedToday"`

	// FailedToday counts operations permanently failed since counter reset
	FailedToday int `json:"failedToday"`

	// AvgLatencyMs is the exponentially smoothed operation latency
	AvgLatencyMs float64 `json:"avgLatencyMs"`

	// Throughput is completed operations per minute
	Throughput float64 `json:"throughput"`

	// ErrorRate is failed / (failed + completed)
	ErrorRate float64 `json:"errorRate"`
}

// GlobalMetrics aggregates across all systems
type GlobalMetrics struct {
	// TotalOperations counts every operation reported
	TotalOperations int `json:"totalOperations"`

	// Completed counts successful operations
	Completed int `json:"completed"`

	// Failed counts permanently failed operations
	Failed int `json:"failed"`

	// SuccessRate is completed / (completed + failed)
	SuccessRate float64 `json:"successRate"`

	// AvgProcessingTimeMs is the smoothed processing time across systems
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
}

// Overview is the externally visible state summary
type Overview struct {
	// Timestamp is when the overview was computed
	Timestamp time.Time `json:"timestamp"`

	// Systems holds the per-system states
	Systems map[string]*SystemState `json:"systems"`

	// Global holds the cross-system metrics
	Global GlobalMetrics `json:"global"`

	// HealthScore is the composite 0-100 score
	HealthScore int `json:"healthScore"`

	// Status summarizes the score
	Status HealthStatus `json:"status"`
}

//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks -source=manager.go Manager

// Manager tracks per-system sync state and computes the composite health
// score. Statistics are recomputed from reported outcomes, never authored.
type Manager interface {
	// RegisterSystem starts tracking a target system
	RegisterSystem(name string)

	// SetOnline flips a system's online flag
	SetOnline(name string, online bool)

	// OperationEnqueued records a queued operation for the system
	OperationEnqueued(system string)

	// OperationStarted moves one operation from pending to in-progress
	OperationStarted(system string)

	// OperationCompleted records a successful operation and its latency
	OperationCompleted(system string, latency time.Duration)

	// OperationFailed records a permanently failed operation
	OperationFailed(system string, latency time.Duration)

	// OperationDiscarded removes a pending operation without an outcome
	// (e.g. cancelled or conflicted)
	OperationDiscarded(system string)

	// HealthScore computes the current composite health score
	HealthScore() int

	// Overview returns the full externally visible state
	Overview() *Overview

	// Start begins periodic snapshotting until the context is cancelled
	Start(ctx context.Context)

	// Snapshots returns the retained snapshots, oldest first
	Snapshots() []*Overview
}

// Option configures the manager
type Option func(*defaultManager)

// WithPersister sets the snapshot persister
func WithPersister(p Persister) Option {
	return func(m *defaultManager) {
		m.persister = p
	}
}

// WithClock overrides the manager's clock
func WithClock(now func() time.Time) Option {
	return func(m *defaultManager) {
		m.now = now
	}
}

// defaultManager is the default Manager implementation
type defaultManager struct {
	snapshotInterval  time.Duration
	snapshotRetention time.Duration
	persister         Persister
	now               func() time.Time

	mu        sync.Mutex
	systems   map[string]*SystemState
	global    GlobalMetrics
	started   time.Time
	snapshots []*Overview
}

// NewManager creates a state manager with the given snapshot interval and
// retention window
func NewManager(snapshotInterval, snapshotRetention time.Duration, opts ...Option) Manager {
	m := &defaultManager{
		snapshotInterval:  snapshotInterval,
		snapshotRetention: snapshotRetention,
		now:               time.Now,
		systems:           make(map[string]*SystemState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()
	return m
}

// RegisterSystem starts tracking a target system
func (m *defaultManager) RegisterSystem(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.systems[name]; !ok {
		m.systems[name] = &SystemState{Name: name, Online: true}
	}
}

// SetOnline flips a system's online flag
func (m *defaultManager) SetOnline(name string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.systems[name]; ok {
		s.Online = online
	}
}

// OperationEnqueued records a queued operation
func (m *defaultManager) OperationEnqueued(system string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.systems[system]; ok {
		s.Pending++
	}
}

// OperationStarted moves one operation from pending to in-progress
func (m *defaultManager) OperationStarted(system string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.systems[system]; ok {
		if s.Pending > 0 {
			s.Pending--
		}
		s.InProgress++
	}
}

// OperationCompleted records a successful operation
func (m *defaultManager) OperationCompleted(system string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.systems[system]
	if !ok {
		return
	}
	if s.InProgress > 0 {
		s.InProgress--
	}
	s.CompletedToday++
	s.AvgLatencyMs = smooth(s.AvgLatencyMs, float64(latency.Milliseconds()))
	s.recomputeRates(m.now().Sub(m.started))

	m.global.TotalOperations++
	m.global.Completed++
	m.global.AvgProcessingTimeMs = smooth(m.global.AvgProcessingTimeMs, float64(latency.Milliseconds()))
	m.global.recomputeSuccessRate()
}

// OperationFailed records a permanently failed operation
func (m *defaultManager) OperationFailed(system string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.systems[system]
	if !ok {
		return
	}
	if s.InProgress > 0 {
		s.InProgress--
	}
	s.FailedToday++
	s.AvgLatencyMs = smooth(s.AvgLatencyMs, float64(latency.Milliseconds()))
	s.recomputeRates(m.now().Sub(m.started))

	m.global.TotalOperations++
	m.global.Failed++
	m.global.recomputeSuccessRate()
}

// OperationDiscarded removes a pending or in-flight operation without an
// outcome
func (m *defaultManager) OperationDiscarded(system string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.systems[system]; ok {
		if s.InProgress > 0 {
			s.InProgress--
		} else if s.Pending > 0 {
			s.Pending--
		}
	}
}

// HealthScore computes the current composite health score
func (m *defaultManager) HealthScore() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthScoreLocked()
}

// healthScoreLocked computes the health score. Callers hold m.mu.
func (m *defaultManager) healthScoreLocked() int {
	score := 100

	backlog := 0
	var latencySum float64
	systemsWithLatency := 0
	for _, s := range m.systems {
		if !s.Online {
			score -= penaltyOfflineSystem
		}
		backlog += s.Pending
		if s.AvgLatencyMs > 0 {
			latencySum += s.AvgLatencyMs
			systemsWithLatency++
		}
	}

	errorRate := 0.0
	if total := m.global.Completed + m.global.Failed; total > 0 {
		errorRate = float64(m.global.Failed) / float64(total)
	}
	switch {
	case errorRate > errorRateHighThreshold:
		score -= penaltyErrorRateHigh
	case errorRate > errorRateElevThreshold:
		score -= penaltyErrorRateElev
	}

	switch {
	case backlog > backlogHighThreshold:
		score -= penaltyBacklogHigh
	case backlog > backlogElevThreshold:
		score -= penaltyBacklogElev
	}

	avgLatency := 0.0
	if systemsWithLatency > 0 {
		avgLatency = latencySum / float64(systemsWithLatency)
	}
	switch {
	case avgLatency > latencyHighThresholdMs:
		score -= penaltyLatencyHigh
	case avgLatency > latencyElevThresholdMs:
		score -= penaltyLatencyElev
	}

	if score < 0 {
		score = 0
	}
	return score
}

// Overview returns the full externally visible state
func (m *defaultManager) Overview() *Overview {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overviewLocked()
}

// overviewLocked builds the overview. Callers hold m.mu.
func (m *defaultManager) overviewLocked() *Overview {
	systems := make(map[string]*SystemState, len(m.systems))
	for name, s := range m.systems {
		copied := *s
		systems[name] = &copied
	}

	score := m.healthScoreLocked()
	return &Overview{
		Timestamp:   m.now().UTC(),
		Systems:     systems,
		Global:      m.global,
		HealthScore: score,
		Status:      statusFor(score),
	}
}

// Start begins periodic snapshotting until the context is cancelled
func (m *defaultManager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.captureSnapshot(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// captureSnapshot records the current overview and prunes expired snapshots
func (m *defaultManager) captureSnapshot(ctx context.Context) {
	m.mu.Lock()
	snap := m.overviewLocked()
	m.snapshots = append(m.snapshots, snap)

	cutoff := m.now().Add(-m.snapshotRetention)
	kept := m.snapshots[:0]
	for _, s := range m.snapshots {
		if s.Timestamp.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.snapshots = kept
	persister := m.persister
	m.mu.Unlock()

	if persister != nil {
		if err := persister.Save(ctx, snap); err != nil {
			slog.Error("Failed to persist state snapshot", "error", err)
		}
	}
}

// Snapshots returns the retained snapshots, oldest first
func (m *defaultManager) Snapshots() []*Overview {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Overview(nil), m.snapshots...)
}

// recomputeRates refreshes the derived per-system rates
func (s *SystemState) recomputeRates(elapsed time.Duration) {
	if total := s.CompletedToday + s.FailedToday; total > 0 {
		s.ErrorRate = float64(s.FailedToday) / float64(total)
	}
	if minutes := elapsed.Minutes(); minutes > 0 {
		s.Throughput = float64(s.CompletedToday) / minutes
	}
}

// recomputeSuccessRate refreshes the global success rate
func (g *GlobalMetrics) recomputeSuccessRate() {
	if total := g.Completed + g.Failed; total > 0 {
		g.SuccessRate = float64(g.Completed) / float64(total)
	}
}

// smooth applies exponential smoothing to a running average
func smooth(current, sample float64) float64 {
	if current == 0 {
		return sample
	}
	return latencySmoothing*sample + (1-latencySmoothing)*current
}

// statusFor maps a health score onto a status
func statusFor(score int) HealthStatus {
	switch {
	case score >= healthyThreshold:
		return StatusHealthy
	case score >= degradedThreshold:
		return StatusDegraded
	default:
		return StatusCritical
	}
}
