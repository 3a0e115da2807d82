// Package config provides configuration loading and management for the
// unified entity sync server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Sync modes controlling how change detection is scheduled
const (
	// SyncModeBatch scans for changes only when explicitly triggered or flushed
	SyncModeBatch = "batch"

	// SyncModeRealtime scans for changes on a fixed poll interval
	SyncModeRealtime = "realtime"

	// SyncModeHybrid polls and additionally re-scans when a transformation completes
	SyncModeHybrid = "hybrid"
)

// Sync directions for a configured system
const (
	// DirectionPush propagates local changes to the system
	DirectionPush = "push"

	// DirectionPull ingests changes from the system
	DirectionPull = "pull"

	// DirectionBidirectional does both
	DirectionBidirectional = "bidirectional"
)

// Conflict resolution strategy names
const (
	StrategySourceWins  = "source_wins"
	StrategyTargetWins  = "target_wins"
	StrategyLatestWins  = "latest_wins"
	StrategyMergeFields = "merge_fields"
	StrategyManual      = "manual"
	StrategyCustom      = "custom"
)

// Config is the root configuration structure
type Config struct {
	// Engine configures the sync engine orchestrator
	Engine EngineConfig `yaml:"engine"`

	// Detector configures change detection
	Detector DetectorConfig `yaml:"detector"`

	// Conflict configures conflict detection and resolution defaults
	Conflict ConflictConfig `yaml:"conflict"`

	// Retry configures the retry policy for failed sync operations
	Retry RetryConfig `yaml:"retry"`

	// State configures state aggregation and snapshotting
	State StateConfig `yaml:"state"`

	// Systems holds per-target-system configuration keyed by system name
	Systems map[string]SystemConfig `yaml:"systems,omitempty"`

	// EntityTypes holds per-entity-type configuration keyed by type name
	EntityTypes map[string]EntityTypeConfig `yaml:"entityTypes,omitempty"`

	// API configures the HTTP surface
	API APIConfig `yaml:"api"`
}

// EngineConfig configures the sync engine orchestrator
type EngineConfig struct {
	// Mode is the global sync mode (batch, realtime, or hybrid)
	Mode string `yaml:"mode,omitempty"`

	// Direction is the global sync direction
	Direction string `yaml:"direction,omitempty"`

	// MaxConcurrentOperations caps the number of in-flight sync operations
	MaxConcurrentOperations int `yaml:"maxConcurrentOperations,omitempty"`

	// DefaultTimeout bounds a single operation dispatch
	DefaultTimeout time.Duration `yaml:"defaultTimeout,omitempty"`

	// TickInterval is the period of the queue-drain tick loop
	TickInterval time.Duration `yaml:"tickInterval,omitempty"`

	// StopTimeout bounds how long Stop waits for in-flight operations
	StopTimeout time.Duration `yaml:"stopTimeout,omitempty"`
}

// DetectorConfig configures change detection
type DetectorConfig struct {
	// DeduplicationWindow drops repeated (entity, operation) pairs seen
	// again within this window
	DeduplicationWindow time.Duration `yaml:"deduplicationWindow,omitempty"`

	// BatchSize flushes the event buffer once it reaches this many events
	BatchSize int `yaml:"batchSize,omitempty"`

	// FlushInterval flushes the event buffer after this much time has
	// elapsed since the last flush
	FlushInterval time.Duration `yaml:"flushInterval,omitempty"`

	// PollInterval is the re-scan period in realtime and hybrid modes
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`
}

// ConflictConfig configures conflict detection and resolution.
//
// NumericToleranceDelta and KPIDeltaThreshold preserve the original system's
// hardcoded values as named knobs; their domain justification is undocumented
// upstream, so the defaults should not be changed without stakeholder input.
type ConflictConfig struct {
	// DefaultStrategy applies when no per-entity-type rule matches
	DefaultStrategy string `yaml:"defaultStrategy,omitempty"`

	// TimeThreshold is the window within which concurrent updates by
	// different actors count as a version conflict
	TimeThreshold time.Duration `yaml:"timeThreshold,omitempty"`

	// NumericToleranceDelta is the delta below which numeric score and
	// progress fields are not flagged as conflicting
	NumericToleranceDelta float64 `yaml:"numericToleranceDelta,omitempty"`

	// KPIDeltaThreshold is the per-axis KPI delta above which a
	// business-rule conflict is raised
	KPIDeltaThreshold float64 `yaml:"kpiDeltaThreshold,omitempty"`
}

// RetryConfig configures the retry policy for failed sync operations
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per operation
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"baseDelay,omitempty"`

	// MaxDelay caps the computed backoff delay
	MaxDelay time.Duration `yaml:"maxDelay,omitempty"`

	// BackoffMultiplier grows the delay between consecutive retries
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty"`

	// JitterEnabled adds a random offset to each computed delay
	JitterEnabled bool `yaml:"jitterEnabled"`

	// RetryableErrors is the allowlist of error codes eligible for retry
	RetryableErrors []string `yaml:"retryableErrors,omitempty"`
}

// StateConfig configures state aggregation and snapshotting
type StateConfig struct {
	// SnapshotInterval is how often the full state is snapshotted
	SnapshotInterval time.Duration `yaml:"snapshotInterval,omitempty"`

	// SnapshotRetention prunes snapshots older than this
	SnapshotRetention time.Duration `yaml:"snapshotRetention,omitempty"`

	// SnapshotPath is the directory snapshots are persisted to.
	// Empty disables on-disk persistence.
	SnapshotPath string `yaml:"snapshotPath,omitempty"`
}

// SystemConfig is per-target-system configuration
type SystemConfig struct {
	// Enabled toggles sync to and from this system
	Enabled bool `yaml:"enabled"`

	// Mode overrides the global sync mode for this system
	Mode string `yaml:"mode,omitempty"`

	// Direction overrides the global sync direction for this system
	Direction string `yaml:"direction,omitempty"`

	// Priority orders systems when several are eligible (higher first)
	Priority int `yaml:"priority,omitempty"`

	// IncludedEntityTypes restricts sync to these types (empty = all allowed)
	IncludedEntityTypes []string `yaml:"includedEntityTypes,omitempty"`

	// ExcludedEntityTypes removes types from sync for this system
	ExcludedEntityTypes []string `yaml:"excludedEntityTypes,omitempty"`

	// ConnectionRetries is the per-system connection retry count
	ConnectionRetries int `yaml:"connectionRetries,omitempty"`

	// ConnectionTimeout bounds a single connection attempt
	ConnectionTimeout time.Duration `yaml:"connectionTimeout,omitempty"`
}

// AllowsEntityType reports whether the system's include/exclude lists
// permit syncing the given entity type
func (s *SystemConfig) AllowsEntityType(entityType string) bool {
	for _, excluded := range s.ExcludedEntityTypes {
		if excluded == entityType {
			return false
		}
	}
	if len(s.IncludedEntityTypes) == 0 {
		return true
	}
	for _, included := range s.IncludedEntityTypes {
		if included == entityType {
			return true
		}
	}
	return false
}

// EntityTypeConfig is per-entity-type configuration
type EntityTypeConfig struct {
	// CriticalFields always conflict on divergence
	CriticalFields []string `yaml:"criticalFields,omitempty"`

	// ReadOnlyFields are never written during sync
	ReadOnlyFields []string `yaml:"readOnlyFields,omitempty"`

	// ComputedFields are derived and excluded from diffing
	ComputedFields []string `yaml:"computedFields,omitempty"`

	// ConflictStrategy overrides the default resolution strategy
	ConflictStrategy string `yaml:"conflictStrategy,omitempty"`

	// Dependencies names entity types that depend on this one
	Dependencies []string `yaml:"dependencies,omitempty"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	// Address is the listen address, e.g. ":8080"
	Address string `yaml:"address,omitempty"`
}

// Option configures the loader
type Option func(*loaderConfig) error

// loaderConfig holds loader settings
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Load builds a Config from the given options, fills in defaults, and
// validates the result. With no options it returns the default configuration.
func Load(opts ...Option) (*Config, error) {
	lc := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(lc); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if lc.path != "" {
		data, err := os.ReadFile(lc.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields with their defaults
func (c *Config) SetDefaults() {
	if c.Engine.Mode == "" {
		c.Engine.Mode = SyncModeHybrid
	}
	if c.Engine.Direction == "" {
		c.Engine.Direction = DirectionBidirectional
	}
	if c.Engine.MaxConcurrentOperations == 0 {
		c.Engine.MaxConcurrentOperations = 5
	}
	if c.Engine.DefaultTimeout == 0 {
		c.Engine.DefaultTimeout = 30 * time.Second
	}
	if c.Engine.TickInterval == 0 {
		c.Engine.TickInterval = 100 * time.Millisecond
	}
	if c.Engine.StopTimeout == 0 {
		c.Engine.StopTimeout = 10 * time.Second
	}

	if c.Detector.DeduplicationWindow == 0 {
		c.Detector.DeduplicationWindow = 5 * time.Second
	}
	if c.Detector.BatchSize == 0 {
		c.Detector.BatchSize = 50
	}
	if c.Detector.FlushInterval == 0 {
		c.Detector.FlushInterval = 10 * time.Second
	}
	if c.Detector.PollInterval == 0 {
		c.Detector.PollInterval = 30 * time.Second
	}

	if c.Conflict.DefaultStrategy == "" {
		c.Conflict.DefaultStrategy = StrategyLatestWins
	}
	if c.Conflict.TimeThreshold == 0 {
		c.Conflict.TimeThreshold = 5 * time.Second
	}
	if c.Conflict.NumericToleranceDelta == 0 {
		c.Conflict.NumericToleranceDelta = 5
	}
	if c.Conflict.KPIDeltaThreshold == 0 {
		c.Conflict.KPIDeltaThreshold = 30
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Retry.RetryableErrors == nil {
		c.Retry.RetryableErrors = []string{"NETWORK_ERROR", "TIMEOUT", "SYSTEM_ERROR"}
	}

	if c.State.SnapshotInterval == 0 {
		c.State.SnapshotInterval = time.Minute
	}
	if c.State.SnapshotRetention == 0 {
		c.State.SnapshotRetention = 24 * time.Hour
	}
	if c.State.SnapshotPath == "" {
		c.State.SnapshotPath = "./data/state"
	}

	if c.Systems == nil {
		c.Systems = map[string]SystemConfig{
			"v2":       {Enabled: true, Priority: 3},
			"calendar": {Enabled: true, Priority: 2},
			"buildup":  {Enabled: true, Priority: 1},
		}
	}

	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	switch c.Engine.Mode {
	case SyncModeBatch, SyncModeRealtime, SyncModeHybrid:
	default:
		return fmt.Errorf("invalid engine mode: %s", c.Engine.Mode)
	}

	switch c.Engine.Direction {
	case DirectionPush, DirectionPull, DirectionBidirectional:
	default:
		return fmt.Errorf("invalid engine direction: %s", c.Engine.Direction)
	}

	if c.Engine.MaxConcurrentOperations < 1 {
		return fmt.Errorf("maxConcurrentOperations must be at least 1")
	}

	if !isValidStrategy(c.Conflict.DefaultStrategy) {
		return fmt.Errorf("invalid default conflict strategy: %s", c.Conflict.DefaultStrategy)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry maxAttempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoffMultiplier must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry maxDelay must be at least baseDelay")
	}

	for name, sysCfg := range c.Systems {
		if sysCfg.Mode != "" {
			switch sysCfg.Mode {
			case SyncModeBatch, SyncModeRealtime, SyncModeHybrid:
			default:
				return fmt.Errorf("system %s: invalid mode: %s", name, sysCfg.Mode)
			}
		}
	}

	for name, etCfg := range c.EntityTypes {
		if etCfg.ConflictStrategy != "" && !isValidStrategy(etCfg.ConflictStrategy) {
			return fmt.Errorf("entity type %s: invalid conflict strategy: %s", name, etCfg.ConflictStrategy)
		}
	}

	return nil
}

// isValidStrategy reports whether name is a known resolution strategy
func isValidStrategy(name string) bool {
	switch name {
	case StrategySourceWins, StrategyTargetWins, StrategyLatestWins,
		StrategyMergeFields, StrategyManual, StrategyCustom:
		return true
	}
	return false
}

// IsRetryable reports whether the given error code is in the retryable allowlist
func (r *RetryConfig) IsRetryable(code string) bool {
	for _, c := range r.RetryableErrors {
		if c == code {
			return true
		}
	}
	return false
}
