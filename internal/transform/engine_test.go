package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/errcode"
	"github.com/unisync/unisync/internal/events"
	"github.com/unisync/unisync/internal/mapping"
)

func newTestMapping(mutate func(*mapping.Mapping)) *mapping.Mapping {
	m := &mapping.Mapping{
		ID:               "v2-task",
		SourceType:       entity.SystemV2,
		SourceEntityType: "task",
		TargetEntityType: entity.TypeTask,
		FieldMappings: []mapping.FieldMapping{
			{SourcePath: "name", TargetPath: "title", Transform: "trim", Required: true},
			{SourcePath: "labels", TargetPath: "tags", Transform: "extractTags"},
		},
	}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func newTestEngine(t *testing.T, m *mapping.Mapping, opts ...Option) (Engine, entity.Store) {
	t.Helper()

	registry := mapping.NewRegistry()
	require.NoError(t, registry.Register(m))
	store := entity.NewMemoryStore()
	return NewEngine(registry, store, opts...), store
}

func taskRecord(id string, data map[string]any) *entity.RawRecord {
	if data == nil {
		data = map[string]any{}
	}
	data["type"] = "task"
	return &entity.RawRecord{
		ID:         id,
		SourceID:   "src-" + id,
		SourceType: entity.SystemV2,
		Data:       data,
		Quality:    entity.QualityHigh,
	}
}

func TestTransformSuccess(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, newTestMapping(nil))

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name":   "  Review budget  ",
		"labels": []any{"Finance", "finance", "q3"},
	}), "alice")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 100, result.QualityScore)

	require.NotNil(t, result.Entity)
	assert.Equal(t, "Review budget", result.Entity.Title)
	assert.Equal(t, []string{"finance", "q3"}, result.Entity.Tags)
	assert.Equal(t, entity.TypeTask, result.Entity.Type)
	assert.Equal(t, "alice", result.Entity.CreatedBy)
	assert.Equal(t, entity.SystemV2, result.Entity.Provenance.SourceType)
	assert.Equal(t, 1, result.Entity.Provenance.Version)

	stored, ok := store.Get(result.Entity.ID)
	require.True(t, ok)
	assert.Equal(t, "Review budget", stored.Title)
}

func TestTransformQualityScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    map[string]any
		quality entity.Quality
		want    int
	}{
		{
			name:    "clean_record",
			data:    map[string]any{"name": "Task", "labels": []any{"ops"}},
			quality: entity.QualityHigh,
			want:    100,
		},
		{
			name:    "missing_tags",
			data:    map[string]any{"name": "Task"},
			quality: entity.QualityHigh,
			want:    95,
		},
		{
			name:    "low_source_quality",
			data:    map[string]any{"name": "Task", "labels": []any{"ops"}},
			quality: entity.QualityLow,
			want:    90,
		},
		{
			name:    "corrupted_source_quality",
			data:    map[string]any{"name": "Task", "labels": []any{"ops"}},
			quality: entity.QualityCorrupted,
			want:    75,
		},
		{
			// missing required title: one error issue, missing title, no tags
			name:    "missing_required_title",
			data:    map[string]any{},
			quality: entity.QualityHigh,
			want:    100 - 15 - 20 - 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			eng, _ := newTestEngine(t, newTestMapping(nil))

			record := taskRecord("rec-1", tt.data)
			record.Quality = tt.quality

			result, err := eng.Transform(context.Background(), record, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.QualityScore)
		})
	}
}

func TestTransformQualityScoreCriticalIssueAndMissingTitle(t *testing.T) {
	t.Parallel()

	m := newTestMapping(func(m *mapping.Mapping) {
		// title intentionally unmapped; a critical rule trips on a field
		// the record never carries
		m.FieldMappings = []mapping.FieldMapping{
			{SourcePath: "labels", TargetPath: "tags", Transform: "extractTags"},
		}
		m.ValidationRules = []mapping.ValidationRule{
			{Field: "metadata.assignee", Type: mapping.ValidationRequired, Severity: "critical"},
		}
	})
	eng, store := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"labels": []any{"ops"},
	}), "alice")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 100-30-20, result.QualityScore)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, errcode.SeverityCritical, result.Errors[0].Severity)
	assert.Empty(t, store.List())
}

func TestTransformNoMappingFound(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t, newTestMapping(nil))

	record := taskRecord("rec-1", map[string]any{"name": "Task"})
	record.Data["type"] = "unknown"

	result, err := eng.Transform(context.Background(), record, "alice")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Nil(t, result.Entity)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, errcode.NoMappingFound, result.Errors[0].Code)
	assert.Equal(t, 0, store.Len())
}

func TestTransformConditionsNotMet(t *testing.T) {
	t.Parallel()

	m := newTestMapping(func(m *mapping.Mapping) {
		m.Conditions = []mapping.Condition{
			{Field: "state", Operator: mapping.OperatorEquals, Value: "ready"},
		}
	})
	eng, store := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name":  "Task",
		"state": "pending",
	}), "alice")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Nil(t, result.Entity)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, errcode.ConditionsNotMet, result.Warnings[0].Code)
	assert.Equal(t, 0, store.Len())
}

func TestTransformAppliesDefaults(t *testing.T) {
	t.Parallel()

	m := newTestMapping(func(m *mapping.Mapping) {
		m.FieldMappings = append(m.FieldMappings, mapping.FieldMapping{
			SourcePath: "importance",
			TargetPath: "priority",
			Transform:  "mapPriority",
			Default:    "high",
		})
	})
	eng, _ := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name":   "Task",
		"labels": []any{"ops"},
	}), "alice")
	require.NoError(t, err)

	require.True(t, result.Success)
	assert.Equal(t, entity.PriorityHigh, result.Entity.Priority)
}

func TestTransformValidationWarningDoesNotFail(t *testing.T) {
	t.Parallel()

	m := newTestMapping(func(m *mapping.Mapping) {
		m.FieldMappings = append(m.FieldMappings, mapping.FieldMapping{
			SourcePath: "owner", TargetPath: "metadata.owner",
		})
		m.ValidationRules = []mapping.ValidationRule{
			{Field: "metadata.owner", Type: mapping.ValidationEmail},
		}
	})
	eng, _ := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name":   "Task",
		"labels": []any{"ops"},
		"owner":  "not-an-email",
	}), "alice")
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, errcode.ValidationFailed, result.Warnings[0].Code)
	assert.Equal(t, 95, result.QualityScore)
}

func TestTransformNumberRangeValidation(t *testing.T) {
	t.Parallel()

	m := newTestMapping(func(m *mapping.Mapping) {
		m.FieldMappings = append(m.FieldMappings, mapping.FieldMapping{
			SourcePath: "progress", TargetPath: "metadata.progress", Transform: "parseNumber",
		})
		m.ValidationRules = []mapping.ValidationRule{
			{Field: "metadata.progress", Type: mapping.ValidationNumberRange, Min: 0, Max: 100},
		}
	})
	eng, _ := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name":     "Task",
		"labels":   []any{"ops"},
		"progress": float64(120),
	}), "alice")
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "exceeds maximum")
}

func TestTransformStableIdentityAcrossRetransforms(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	eng, _ := newTestEngine(t, newTestMapping(nil), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	record := taskRecord("rec-1", map[string]any{"name": "Task", "labels": []any{"ops"}})

	first, err := eng.Transform(context.Background(), record, "alice")
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := eng.Transform(context.Background(), record, "bob")
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.Equal(t, first.Entity.ID, second.Entity.ID)
	assert.Equal(t, 1, first.Entity.Provenance.Version)
	assert.Equal(t, 2, second.Entity.Provenance.Version)
	assert.True(t, second.Entity.UpdatedAt.After(first.Entity.UpdatedAt))
}

func TestTransformPostProcessorPanicIsContained(t *testing.T) {
	t.Parallel()

	m := newTestMapping(func(m *mapping.Mapping) {
		m.PostProcessors = []mapping.PostProcessor{
			{
				Name:     "exploder",
				Priority: 1,
				Process: func(context.Context, *entity.UnifiedEntity, *mapping.PostProcessContext) (*entity.UnifiedEntity, error) {
					panic("boom")
				},
			},
		}
	})
	eng, store := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name": "Task",
	}), "alice")
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Nil(t, result.Entity)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, errcode.SeverityCritical, result.Errors[0].Severity)
	assert.Contains(t, result.Errors[0].Message, "boom")
	assert.Equal(t, 0, store.Len())
}

func TestTransformPostProcessorOrder(t *testing.T) {
	t.Parallel()

	appendTag := func(tag string) func(context.Context, *entity.UnifiedEntity, *mapping.PostProcessContext) (*entity.UnifiedEntity, error) {
		return func(_ context.Context, e *entity.UnifiedEntity, _ *mapping.PostProcessContext) (*entity.UnifiedEntity, error) {
			e.Tags = append(e.Tags, tag)
			return e, nil
		}
	}

	m := newTestMapping(func(m *mapping.Mapping) {
		m.PostProcessors = []mapping.PostProcessor{
			{Name: "second", Priority: 2, Process: appendTag("second")},
			{Name: "first", Priority: 1, Process: appendTag("first")},
		}
	})
	eng, _ := newTestEngine(t, m)

	result, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name": "Task",
	}), "alice")
	require.NoError(t, err)

	require.True(t, result.Success)
	assert.Equal(t, []string{"first", "second"}, result.Entity.Tags)
}

func TestTransformCancelledContext(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, newTestMapping(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Transform(ctx, taskRecord("rec-1", map[string]any{"name": "Task"}), "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransformPublishesEvents(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var types []events.Type
	bus.SubscribeAll(func(e events.Event) {
		types = append(types, e.Type)
	})

	registry := mapping.NewRegistry()
	require.NoError(t, registry.Register(newTestMapping(nil)))
	eng := NewEngine(registry, entity.NewMemoryStore(), WithEventBus(bus))

	_, err := eng.Transform(context.Background(), taskRecord("rec-1", map[string]any{
		"name": "Task",
	}), "alice")
	require.NoError(t, err)

	assert.Equal(t, []events.Type{events.TransformStarted, events.TransformCompleted}, types)
}

func TestTransformBatchAggregation(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t, newTestMapping(nil), WithBatchConcurrency(2))

	records := []*entity.RawRecord{
		taskRecord("rec-1", map[string]any{"name": "One", "labels": []any{"ops"}}),
		taskRecord("rec-2", map[string]any{"name": "Two", "labels": []any{"ops"}}),
		taskRecord("rec-3", map[string]any{}), // missing required title
	}

	batch, err := eng.TransformBatch(context.Background(), records, "alice")
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 2, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 3)

	// results stay in input order despite concurrency
	assert.True(t, batch.Results[0].Success)
	assert.True(t, batch.Results[1].Success)
	assert.False(t, batch.Results[2].Success)

	v2 := batch.BySourceType[string(entity.SystemV2)]
	require.NotNil(t, v2)
	assert.Equal(t, 3, v2.Total)
	assert.Equal(t, 2, v2.Succeeded)
	assert.Equal(t, 1, v2.Failed)

	assert.Equal(t, 2, batch.ByQuality[QualityBucketHigh])
	assert.Equal(t, 1, batch.ByQuality[QualityBucketLow])
}

func TestQualityBucket(t *testing.T) {
	t.Parallel()

	assert.Equal(t, QualityBucketHigh, qualityBucket(90))
	assert.Equal(t, QualityBucketMedium, qualityBucket(89))
	assert.Equal(t, QualityBucketMedium, qualityBucket(70))
	assert.Equal(t, QualityBucketLow, qualityBucket(69))
	assert.Equal(t, QualityBucketLow, qualityBucket(50))
	assert.Equal(t, QualityBucketPoor, qualityBucket(49))
}
