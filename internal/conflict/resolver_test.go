package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/entity"
)

func conflictEntity(mutate func(*entity.UnifiedEntity)) *entity.UnifiedEntity {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e := &entity.UnifiedEntity{
		ID:        "ent-1",
		Type:      entity.TypeTask,
		Title:     "Shared task",
		Status:    entity.StatusActive,
		Priority:  entity.PriorityMedium,
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now,
		UpdatedBy: "alice",
		Tags:      []string{"shared"},
		Metadata:  map[string]any{"progress": float64(50)},
		Provenance: entity.Provenance{
			SourceID:   "src-1",
			SourceType: entity.SystemV2,
			Version:    3,
		},
	}
	if mutate != nil {
		mutate(e)
	}
	return e
}

func newTestResolver(opts ...Option) Resolver {
	return NewResolver(config.Default(), opts...)
}

func proposal(source, target *entity.UnifiedEntity) *Proposal {
	return &Proposal{
		OperationID:  "op-1",
		Operation:    change.OperationUpdate,
		TargetSystem: "calendar",
		Source:       source,
		Target:       target,
	}
}

func findConflict(conflicts []*Conflict, kind Type) *Conflict {
	for _, c := range conflicts {
		if c.Kind == kind {
			return c
		}
	}
	return nil
}

func TestDetectConflictsCreateNeverConflicts(t *testing.T) {
	t.Parallel()

	r := newTestResolver()
	p := proposal(conflictEntity(nil), nil)
	p.Operation = change.OperationCreate

	assert.Empty(t, r.DetectConflicts(p))
}

func TestDetectVersionConflict(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(nil)
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.UpdatedBy = "bob"
		e.UpdatedAt = e.UpdatedAt.Add(2 * time.Second)
	})

	conflicts := r.DetectConflicts(proposal(source, target))
	require.Len(t, conflicts, 1)
	assert.Equal(t, TypeVersion, conflicts[0].Kind)
	assert.Equal(t, 6, conflicts[0].Priority)
	assert.Equal(t, ResolutionPending, conflicts[0].Status)
}

func TestDetectVersionConflictRequiresDifferentActors(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	// same actor within the window: no conflict
	source := conflictEntity(nil)
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.UpdatedAt = e.UpdatedAt.Add(2 * time.Second)
	})
	assert.Empty(t, r.DetectConflicts(proposal(source, target)))

	// different actors outside the window: no conflict either
	target = conflictEntity(func(e *entity.UnifiedEntity) {
		e.UpdatedBy = "bob"
		e.UpdatedAt = e.UpdatedAt.Add(time.Minute)
	})
	assert.Empty(t, r.DetectConflicts(proposal(source, target)))
}

func TestDetectFieldConflict(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(nil)
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Title = "Renamed on target"
	})

	conflicts := r.DetectConflicts(proposal(source, target))
	require.Len(t, conflicts, 1)

	c := conflicts[0]
	assert.Equal(t, TypeField, c.Kind)
	assert.Equal(t, 5, c.Priority)
	assert.Equal(t, []string{"title"}, c.ConflictedFields)
	assert.Equal(t, "Shared task", c.SourceValue)
	assert.Equal(t, "Renamed on target", c.TargetValue)
}

func TestDetectFieldConflictNumericTolerance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		targetProgress float64
		wantConflict   bool
	}{
		{name: "within_tolerance", targetProgress: 54, wantConflict: false},
		{name: "at_tolerance_boundary", targetProgress: 55, wantConflict: false},
		{name: "beyond_tolerance", targetProgress: 56, wantConflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newTestResolver()
			source := conflictEntity(nil)
			target := conflictEntity(func(e *entity.UnifiedEntity) {
				e.Metadata["progress"] = tt.targetProgress
			})

			conflicts := r.DetectConflicts(proposal(source, target))
			if tt.wantConflict {
				require.Len(t, conflicts, 1)
				assert.Equal(t, []string{"metadata.progress"}, conflicts[0].ConflictedFields)
			} else {
				assert.Empty(t, conflicts)
			}
		})
	}
}

func TestDetectIllegalStatusTransition(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Status = entity.StatusDraft
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Status = entity.StatusCompleted
	})

	conflicts := r.DetectConflicts(proposal(source, target))

	rule := findConflict(conflicts, TypeBusinessRule)
	require.NotNil(t, rule)
	assert.Equal(t, 8, rule.Priority)
	assert.Equal(t, config.StrategyManual, rule.Strategy)
	assert.Equal(t, ResolutionEscalated, rule.Status)
	assert.Contains(t, rule.Description, "completed -> draft")
}

func TestDetectKPIDelta(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeKPI
		e.Metadata["scores"] = map[string]any{"revenue": float64(80), "growth": float64(50)}
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeKPI
		e.Metadata["scores"] = map[string]any{"revenue": float64(40), "growth": float64(45)}
	})

	conflicts := r.DetectConflicts(proposal(source, target))

	rule := findConflict(conflicts, TypeBusinessRule)
	require.NotNil(t, rule)
	assert.Equal(t, 7, rule.Priority)
	assert.Equal(t, []string{"metadata.scores.revenue"}, rule.ConflictedFields)
	assert.Equal(t, config.StrategyManual, rule.Strategy)
}

func TestDetectKPIDeltaBelowThreshold(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeKPI
		e.Metadata["scores"] = map[string]any{"revenue": float64(80)}
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeKPI
		e.Metadata["scores"] = map[string]any{"revenue": float64(60)}
	})

	conflicts := r.DetectConflicts(proposal(source, target))
	assert.Nil(t, findConflict(conflicts, TypeBusinessRule))
}

func TestDetectDependencyConflictOnDelete(t *testing.T) {
	t.Parallel()

	r := newTestResolver(WithDependencyChecker(func(*entity.UnifiedEntity) []string {
		return []string{"child-1", "child-2"}
	}))

	p := proposal(conflictEntity(nil), nil)
	p.Operation = change.OperationDelete

	conflicts := r.DetectConflicts(p)
	require.Len(t, conflicts, 1)
	assert.Equal(t, TypeDependency, conflicts[0].Kind)
	assert.Equal(t, 9, conflicts[0].Priority)
	assert.Equal(t, config.StrategyManual, conflicts[0].Strategy)
}

func TestResolveLatestWins(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(nil)
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Title = "Target title"
		e.UpdatedAt = e.UpdatedAt.Add(time.Minute)
	})

	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	require.NotEmpty(t, conflicts)

	resolved, ok := r.ResolveConflicts(p, conflicts)
	require.True(t, ok)
	// target is newer, so its value wins for the conflicted field
	assert.Equal(t, "Target title", resolved.Title)
}

func TestResolveLatestWinsTieFavorsSource(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(nil)
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Title = "Target title"
	})

	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	require.NotEmpty(t, conflicts)

	resolved, ok := r.ResolveConflicts(p, conflicts)
	require.True(t, ok)
	assert.Equal(t, "Shared task", resolved.Title)
}

func TestResolveMergeFields(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeProject
		e.Tags = []string{"alpha", "shared"}
		e.Metadata["progress"] = float64(50)
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeProject
		e.Tags = []string{"shared", "beta"}
		e.Metadata["progress"] = float64(61)
	})

	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	require.NotEmpty(t, conflicts)

	resolved, ok := r.ResolveConflicts(p, conflicts)
	require.True(t, ok)

	// diverging numeric fields average and round
	assert.Equal(t, float64(56), resolved.Metadata["progress"])
	// tags union preserving first-seen order
	assert.Equal(t, []string{"alpha", "shared", "beta"}, resolved.Tags)
}

func TestResolveSourceWins(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeEvent
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Type = entity.TypeEvent
		e.Title = "Target title"
		e.UpdatedAt = e.UpdatedAt.Add(time.Minute)
	})

	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	require.NotEmpty(t, conflicts)

	resolved, ok := r.ResolveConflicts(p, conflicts)
	require.True(t, ok)
	// source_wins ignores target recency
	assert.Equal(t, "Shared task", resolved.Title)
}

func TestResolveCustomStrategyWithFallback(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.EntityTypes = map[string]config.EntityTypeConfig{
		"task": {ConflictStrategy: config.StrategyCustom},
	}
	r := NewResolver(cfg)

	source := conflictEntity(nil)
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Title = "Target title"
		e.UpdatedAt = e.UpdatedAt.Add(time.Minute)
	})

	// no custom resolver registered: falls back to latest_wins
	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	require.NotEmpty(t, conflicts)
	resolved, ok := r.ResolveConflicts(p, conflicts)
	require.True(t, ok)
	assert.Equal(t, "Target title", resolved.Title)

	// registered custom resolver takes over
	r.RegisterCustomResolver(entity.TypeTask, func(_ *Conflict, s, _ *entity.UnifiedEntity) (*entity.UnifiedEntity, bool) {
		out := s.Clone()
		out.Title = "custom resolution"
		return out, true
	})

	conflicts = r.DetectConflicts(p)
	require.NotEmpty(t, conflicts)
	resolved, ok = r.ResolveConflicts(p, conflicts)
	require.True(t, ok)
	assert.Equal(t, "custom resolution", resolved.Title)
}

func TestManualConflictBlocksWholeBatch(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Status = entity.StatusActive
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Status = entity.StatusCancelled
	})

	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	require.NotNil(t, findConflict(conflicts, TypeBusinessRule))

	resolved, ok := r.ResolveConflicts(p, conflicts)
	assert.False(t, ok)
	assert.Nil(t, resolved)

	// every conflict in the batch is escalated and tracked
	for _, c := range conflicts {
		assert.Equal(t, ResolutionEscalated, c.Status)
	}
	assert.Len(t, r.OpenConflicts(), len(conflicts))
}

func TestResolveManually(t *testing.T) {
	t.Parallel()

	r := newTestResolver()

	source := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Status = entity.StatusDraft
	})
	target := conflictEntity(func(e *entity.UnifiedEntity) {
		e.Status = entity.StatusCompleted
		e.Title = "Target title"
	})

	p := proposal(source, target)
	conflicts := r.DetectConflicts(p)
	_, ok := r.ResolveConflicts(p, conflicts)
	require.False(t, ok)

	open := r.OpenConflicts()
	require.NotEmpty(t, open)
	id := open[0].ID

	// invalid winner re-opens the conflict
	_, err := r.ResolveManually(id, "neither")
	require.Error(t, err)
	assert.Len(t, r.OpenConflicts(), len(open))

	resolved, err := r.ResolveManually(id, "target")
	require.NoError(t, err)
	assert.Equal(t, "Target title", resolved.Title)
	assert.Len(t, r.OpenConflicts(), len(open)-1)

	// already closed
	_, err = r.ResolveManually(id, "target")
	assert.Error(t, err)
}

func TestResolveManuallyNilWinnerSide(t *testing.T) {
	t.Parallel()

	r := newTestResolver(WithDependencyChecker(func(*entity.UnifiedEntity) []string {
		return []string{"child-1"}
	}))

	// delete against a target that holds no copy: the target side is nil
	p := proposal(conflictEntity(nil), nil)
	p.Operation = change.OperationDelete

	conflicts := r.DetectConflicts(p)
	require.Len(t, conflicts, 1)
	_, ok := r.ResolveConflicts(p, conflicts)
	require.False(t, ok)

	open := r.OpenConflicts()
	require.Len(t, open, 1)
	id := open[0].ID

	// the missing side cannot win; the conflict stays open
	_, err := r.ResolveManually(id, "target")
	require.Error(t, err)
	assert.Len(t, r.OpenConflicts(), 1)

	resolved, err := r.ResolveManually(id, "source")
	require.NoError(t, err)
	assert.Equal(t, "ent-1", resolved.ID)
	assert.Empty(t, r.OpenConflicts())
}

func TestResolveManuallyUnknownID(t *testing.T) {
	t.Parallel()

	_, err := newTestResolver().ResolveManually("missing", "source")
	assert.Error(t, err)
}
