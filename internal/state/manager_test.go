package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(opts ...Option) Manager {
	return NewManager(time.Minute, time.Hour, opts...)
}

func TestHealthScoreBaseline(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")
	m.RegisterSystem("v2")

	assert.Equal(t, 100, m.HealthScore())

	ov := m.Overview()
	assert.Equal(t, StatusHealthy, ov.Status)
	assert.Len(t, ov.Systems, 2)
}

func TestHealthScoreOfflinePenalty(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")
	m.RegisterSystem("v2")

	m.SetOnline("calendar", false)
	assert.Equal(t, 80, m.HealthScore())

	m.SetOnline("v2", false)
	assert.Equal(t, 60, m.HealthScore())
	assert.Equal(t, StatusCritical, m.Overview().Status)

	m.SetOnline("calendar", true)
	m.SetOnline("v2", true)
	assert.Equal(t, 100, m.HealthScore())
}

func TestHealthScoreErrorRatePenalty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		completed int
		failed    int
		want      int
	}{
		{name: "no_errors", completed: 100, failed: 0, want: 100},
		{name: "five_percent_exactly", completed: 95, failed: 5, want: 100},
		{name: "elevated", completed: 92, failed: 8, want: 85},
		{name: "ten_percent_exactly", completed: 90, failed: 10, want: 85},
		{name: "high", completed: 80, failed: 20, want: 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := newTestManager()
			m.RegisterSystem("calendar")

			for i := 0; i < tt.completed; i++ {
				m.OperationEnqueued("calendar")
				m.OperationStarted("calendar")
				m.OperationCompleted("calendar", 0)
			}
			for i := 0; i < tt.failed; i++ {
				m.OperationEnqueued("calendar")
				m.OperationStarted("calendar")
				m.OperationFailed("calendar", 0)
			}

			assert.Equal(t, tt.want, m.HealthScore())
		})
	}
}

func TestHealthScoreBacklogPenalty(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")

	for i := 0; i < 50; i++ {
		m.OperationEnqueued("calendar")
	}
	assert.Equal(t, 100, m.HealthScore())

	m.OperationEnqueued("calendar")
	assert.Equal(t, 90, m.HealthScore())

	for i := 0; i < 50; i++ {
		m.OperationEnqueued("calendar")
	}
	assert.Equal(t, 80, m.HealthScore())
}

func TestHealthScoreLatencyPenalty(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")

	m.OperationEnqueued("calendar")
	m.OperationStarted("calendar")
	m.OperationCompleted("calendar", 3*time.Second)
	assert.Equal(t, 95, m.HealthScore())

	m2 := newTestManager()
	m2.RegisterSystem("calendar")
	m2.OperationEnqueued("calendar")
	m2.OperationStarted("calendar")
	m2.OperationCompleted("calendar", 6*time.Second)
	assert.Equal(t, 85, m2.HealthScore())
}

func TestLatencySmoothing(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")

	record := func(latency time.Duration) {
		m.OperationEnqueued("calendar")
		m.OperationStarted("calendar")
		m.OperationCompleted("calendar", latency)
	}

	// first sample is taken directly
	record(1000 * time.Millisecond)
	ov := m.Overview()
	assert.InDelta(t, 1000, ov.Systems["calendar"].AvgLatencyMs, 0.001)

	// later samples blend in at the smoothing factor
	record(2000 * time.Millisecond)
	ov = m.Overview()
	assert.InDelta(t, 0.1*2000+0.9*1000, ov.Systems["calendar"].AvgLatencyMs, 0.001)
}

func TestOperationLifecycleCounters(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")

	m.OperationEnqueued("calendar")
	m.OperationEnqueued("calendar")

	ov := m.Overview()
	assert.Equal(t, 2, ov.Systems["calendar"].Pending)

	m.OperationStarted("calendar")
	ov = m.Overview()
	assert.Equal(t, 1, ov.Systems["calendar"].Pending)
	assert.Equal(t, 1, ov.Systems["calendar"].InProgress)

	m.OperationCompleted("calendar", 100*time.Millisecond)
	ov = m.Overview()
	assert.Equal(t, 0, ov.Systems["calendar"].InProgress)
	assert.Equal(t, 1, ov.Systems["calendar"].CompletedToday)
	assert.Equal(t, 1, ov.Global.Completed)
	assert.Equal(t, float64(1), ov.Global.SuccessRate)

	// discard drops the remaining pending operation
	m.OperationDiscarded("calendar")
	ov = m.Overview()
	assert.Equal(t, 0, ov.Systems["calendar"].Pending)

	// reports for unknown systems are ignored
	m.OperationEnqueued("unknown")
	m.OperationCompleted("unknown", time.Second)
	assert.Equal(t, 1, m.Overview().Global.TotalOperations)
}

func TestOverviewIsACopy(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	m.RegisterSystem("calendar")

	ov := m.Overview()
	ov.Systems["calendar"].Pending = 999
	ov.Global.Completed = 999

	fresh := m.Overview()
	assert.Equal(t, 0, fresh.Systems["calendar"].Pending)
	assert.Equal(t, 0, fresh.Global.Completed)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusHealthy, statusFor(90))
	assert.Equal(t, StatusDegraded, statusFor(89))
	assert.Equal(t, StatusDegraded, statusFor(70))
	assert.Equal(t, StatusCritical, statusFor(69))
}

func TestFilePersisterRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := NewFilePersister(dir)
	ctx := context.Background()

	// no snapshot yet
	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	snap := &Overview{
		Timestamp:   time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		Systems:     map[string]*SystemState{"calendar": {Name: "calendar", Online: true, Pending: 3}},
		Global:      GlobalMetrics{TotalOperations: 10, Completed: 9, Failed: 1, SuccessRate: 0.9},
		HealthScore: 85,
		Status:      StatusDegraded,
	}
	require.NoError(t, p.Save(ctx, snap))

	loaded, err = p.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.HealthScore, loaded.HealthScore)
	assert.Equal(t, snap.Status, loaded.Status)
	require.Contains(t, loaded.Systems, "calendar")
	assert.Equal(t, 3, loaded.Systems["calendar"].Pending)

	// a second save replaces the first
	snap.HealthScore = 100
	snap.Status = StatusHealthy
	require.NoError(t, p.Save(ctx, snap))

	loaded, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, loaded.HealthScore)
}

func TestSnapshotCaptureAndRetention(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	m := NewManager(time.Minute, 10*time.Minute, WithClock(func() time.Time {
		return clock
	})).(*defaultManager)
	m.RegisterSystem("calendar")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.captureSnapshot(ctx)
		clock = clock.Add(5 * time.Minute)
	}

	// retention keeps only snapshots younger than ten minutes
	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Timestamp.Before(snaps[1].Timestamp))
}
