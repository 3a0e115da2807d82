// Package errcode defines the structured error codes shared by the
// transformation and sync subsystems. Codes are string-based for
// debuggability and natural JSON serialization.
package errcode

// Code represents a specific error condition
type Code string

const (
	// Mapping errors. Non-fatal, returned in-band by the transformation engine.

	// NoMappingFound indicates no transformation mapping matches the record
	NoMappingFound Code = "NO_MAPPING_FOUND"

	// ConditionsNotMet indicates a mapping's preconditions failed
	ConditionsNotMet Code = "CONDITIONS_NOT_MET"

	// Transformation errors.

	// TransformFailed indicates an unexpected failure during transformation
	TransformFailed Code = "TRANSFORM_FAILED"

	// ValidationFailed indicates a field failed a validation rule
	ValidationFailed Code = "VALIDATION_ERROR"

	// Sync errors. The retry policy's allowlist decides which are retryable.

	// NetworkError indicates a target system could not be reached
	NetworkError Code = "NETWORK_ERROR"

	// Timeout indicates an operation exceeded its time limit
	Timeout Code = "TIMEOUT"

	// SystemError indicates a target system rejected the write internally
	SystemError Code = "SYSTEM_ERROR"

	// PermissionError indicates the write was denied
	PermissionError Code = "PERMISSION_ERROR"

	// ConflictError indicates the operation was blocked by an unresolved conflict
	ConflictError Code = "CONFLICT_ERROR"

	// UnsupportedEntity indicates the target system does not accept the entity type
	UnsupportedEntity Code = "UNSUPPORTED_ENTITY"
)

// Severity grades validation and sync problems
type Severity string

const (
	// SeverityWarning does not fail the operation
	SeverityWarning Severity = "warning"

	// SeverityError fails the operation
	SeverityError Severity = "error"

	// SeverityCritical fails the operation and weighs heaviest in quality scoring
	SeverityCritical Severity = "critical"
)
