package mapping

import "github.com/unisync/unisync/internal/entity"

// RegisterDefaults installs the built-in mappings for the three source
// systems. Registration order matters for pairs with multiple mappings:
// FindBestMapping without a target hint returns the first registered.
func RegisterDefaults(r Registry) error {
	for _, m := range DefaultMappings() {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// DefaultMappings returns the built-in mapping set
func DefaultMappings() []*Mapping {
	return []*Mapping{
		{
			ID:               "v2-project",
			SourceType:       entity.SystemV2,
			SourceEntityType: "project",
			TargetEntityType: entity.TypeProject,
			FieldMappings: []FieldMapping{
				{SourcePath: "name", TargetPath: "title", Transform: "trim", Required: true},
				{SourcePath: "description", TargetPath: "description", Transform: "trim"},
				{SourcePath: "state", TargetPath: "status", Transform: "mapStatus", Default: entity.StatusDraft},
				{SourcePath: "importance", TargetPath: "priority", Transform: "mapPriority", Default: entity.PriorityMedium},
				{SourcePath: "progress", TargetPath: "metadata.progress", Transform: "parseNumber", Default: 0},
				{SourcePath: "labels", TargetPath: "tags", Transform: "extractTags"},
			},
			ValidationRules: []ValidationRule{
				{Field: "title", Type: ValidationRequired},
				{Field: "metadata.progress", Type: ValidationNumberRange, Min: 0, Max: 100},
			},
		},
		{
			ID:               "v2-recommendation",
			SourceType:       entity.SystemV2,
			SourceEntityType: "recommendation",
			TargetEntityType: entity.TypeRecommendation,
			FieldMappings: []FieldMapping{
				{SourcePath: "title", TargetPath: "title", Transform: "trim", Required: true},
				{SourcePath: "summary", TargetPath: "description", Transform: "trim"},
				{SourcePath: "state", TargetPath: "status", Transform: "mapStatus", Default: entity.StatusDraft},
				{SourcePath: "expectedResults", TargetPath: "metadata.expectedResults"},
				{SourcePath: "kpiImpact", TargetPath: "metadata.kpiImpact", Transform: "normalizeKPI"},
				{SourcePath: "tags", TargetPath: "tags", Transform: "extractTags"},
			},
			ValidationRules: []ValidationRule{
				{Field: "title", Type: ValidationRequired},
			},
		},
		{
			ID:               "calendar-event",
			SourceType:       entity.SystemCalendar,
			SourceEntityType: "event",
			TargetEntityType: entity.TypeEvent,
			FieldMappings: []FieldMapping{
				{SourcePath: "subject", TargetPath: "title", Transform: "trim", Required: true},
				{SourcePath: "body", TargetPath: "description", Transform: "trim"},
				{SourcePath: "status", TargetPath: "status", Transform: "mapStatus", Default: entity.StatusActive},
				{SourcePath: "start", TargetPath: "metadata.start", Transform: "parseDate", Required: true},
				{SourcePath: "end", TargetPath: "metadata.end", Transform: "parseDate"},
				{SourcePath: "location", TargetPath: "metadata.location", Transform: "trim"},
				{SourcePath: "organizer.email", TargetPath: "metadata.organizer"},
				{SourcePath: "categories", TargetPath: "tags", Transform: "extractTags"},
			},
			ValidationRules: []ValidationRule{
				{Field: "title", Type: ValidationRequired},
				{Field: "metadata.organizer", Type: ValidationEmail},
			},
		},
		{
			ID:               "calendar-task",
			SourceType:       entity.SystemCalendar,
			SourceEntityType: "task",
			TargetEntityType: entity.TypeTask,
			FieldMappings: []FieldMapping{
				{SourcePath: "subject", TargetPath: "title", Transform: "trim", Required: true},
				{SourcePath: "notes", TargetPath: "description", Transform: "trim"},
				{SourcePath: "status", TargetPath: "status", Transform: "mapStatus", Default: entity.StatusDraft},
				{SourcePath: "urgency", TargetPath: "priority", Transform: "mapPriority", Default: entity.PriorityMedium},
				{SourcePath: "due", TargetPath: "metadata.due", Transform: "parseDate"},
				{SourcePath: "progress", TargetPath: "metadata.progress", Transform: "parseNumber", Default: 0},
			},
			ValidationRules: []ValidationRule{
				{Field: "title", Type: ValidationRequired},
				{Field: "metadata.progress", Type: ValidationNumberRange, Min: 0, Max: 100},
			},
		},
		{
			ID:               "buildup-kpi",
			SourceType:       entity.SystemBuildup,
			SourceEntityType: "kpi",
			TargetEntityType: entity.TypeKPI,
			FieldMappings: []FieldMapping{
				{SourcePath: "name", TargetPath: "title", Transform: "trim", Required: true},
				{SourcePath: "description", TargetPath: "description", Transform: "trim"},
				{SourcePath: "state", TargetPath: "status", Transform: "mapStatus", Default: entity.StatusActive},
				{SourcePath: "scores", TargetPath: "metadata.scores", Transform: "normalizeKPI", Required: true},
				{SourcePath: "unit", TargetPath: "metadata.unit", Transform: "lowercase"},
				{SourcePath: "tags", TargetPath: "tags", Transform: "extractTags"},
			},
			ValidationRules: []ValidationRule{
				{Field: "title", Type: ValidationRequired},
				{Field: "metadata.scores", Type: ValidationRequired},
			},
		},
		{
			ID:               "buildup-project",
			SourceType:       entity.SystemBuildup,
			SourceEntityType: "project",
			TargetEntityType: entity.TypeProject,
			FieldMappings: []FieldMapping{
				{SourcePath: "title", TargetPath: "title", Transform: "trim", Required: true},
				{SourcePath: "phase", TargetPath: "status", Transform: "mapStatus", Default: entity.StatusDraft},
				{SourcePath: "priority", TargetPath: "priority", Transform: "mapPriority", Default: entity.PriorityMedium},
				{SourcePath: "progress", TargetPath: "metadata.progress", Transform: "parseNumber", Default: 0},
				{SourcePath: "owner", TargetPath: "metadata.owner", Transform: "trim"},
			},
			ValidationRules: []ValidationRule{
				{Field: "title", Type: ValidationRequired},
				{Field: "metadata.progress", Type: ValidationNumberRange, Min: 0, Max: 100},
			},
		},
	}
}
