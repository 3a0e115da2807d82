package change

import (
	"context"
	"log/slog"
	"time"

	"github.com/unisync/unisync/internal/config"
)

// SchedulingStrategy drives when the detector re-scans the entity
// population. The three variants replace mode branching scattered across
// components: the detector and engine consume the strategy uniformly.
type SchedulingStrategy interface {
	// Run drives the detector until the context is cancelled
	Run(ctx context.Context, d Detector)

	// OnTransformCompleted signals that a transformation finished; only the
	// hybrid strategy reacts to it
	OnTransformCompleted()

	// Name returns the strategy's mode name
	Name() string
}

// NewStrategy returns the strategy for the given sync mode
func NewStrategy(mode string, pollInterval time.Duration) SchedulingStrategy {
	switch mode {
	case config.SyncModeRealtime:
		return &realtimeStrategy{pollInterval: pollInterval}
	case config.SyncModeHybrid:
		return &hybridStrategy{
			realtimeStrategy: realtimeStrategy{pollInterval: pollInterval},
			signal:           make(chan struct{}, 1),
		}
	default:
		return &batchStrategy{}
	}
}

// batchStrategy never re-scans on its own; detection happens only through
// explicit triggers and buffer flushes
type batchStrategy struct{}

// Run waits for cancellation; batch mode has no background work
func (*batchStrategy) Run(ctx context.Context, _ Detector) {
	<-ctx.Done()
}

// OnTransformCompleted is a no-op in batch mode
func (*batchStrategy) OnTransformCompleted() {}

// Name returns the strategy's mode name
func (*batchStrategy) Name() string { return config.SyncModeBatch }

// realtimeStrategy re-scans all entities on a fixed poll interval
type realtimeStrategy struct {
	pollInterval time.Duration
}

// Run polls the detector until the context is cancelled
func (s *realtimeStrategy) Run(ctx context.Context, d Detector) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.PollOnce()
		case <-ctx.Done():
			return
		}
	}
}

// OnTransformCompleted is a no-op in realtime mode
func (*realtimeStrategy) OnTransformCompleted() {}

// Name returns the strategy's mode name
func (*realtimeStrategy) Name() string { return config.SyncModeRealtime }

// hybridStrategy polls like realtime and additionally re-scans when a
// transformation completes
type hybridStrategy struct {
	realtimeStrategy
	signal chan struct{}
}

// Run polls and reacts to transformation-completed signals until cancelled
func (s *hybridStrategy) Run(ctx context.Context, d Detector) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Debug("Change detection running", "mode", s.Name(), "poll_interval", s.pollInterval)

	for {
		select {
		case <-ticker.C:
			d.PollOnce()
		case <-s.signal:
			d.PollOnce()
		case <-ctx.Done():
			return
		}
	}
}

// OnTransformCompleted requests an immediate re-scan; the signal channel is
// buffered so bursts coalesce into one scan
func (s *hybridStrategy) OnTransformCompleted() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Name returns the strategy's mode name
func (*hybridStrategy) Name() string { return config.SyncModeHybrid }
