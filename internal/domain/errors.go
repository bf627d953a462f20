package domain

import "errors"

// Sentinel errors shared by the repositories and services. Callers match
// with errors.Is after unwrapping.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrVersionNotFound  = errors.New("project version not found")
	ErrEventNotFound    = errors.New("change event not found")
	ErrWorkflowNotFound = errors.New("approval workflow not found")
	ErrStepNotFound     = errors.New("approval step not found")
	ErrRuleNotFound     = errors.New("propagation rule not found")

	// ErrDuplicateVersion signals a version-number collision during snapshot
	// creation; ErrRestoreConflict a concurrent restore on the same project.
	ErrDuplicateVersion = errors.New("duplicate version number")
	ErrRestoreConflict  = errors.New("concurrent restore in progress")

	ErrInvalidRule         = errors.New("invalid propagation rule")
	ErrInvalidFieldMapping = errors.New("invalid field mapping")

	// ErrSnapshotCorrupted marks a snapshot blob that cannot be decoded or
	// carries an unknown schema version. Never auto-retried.
	ErrSnapshotCorrupted = errors.New("corrupted snapshot blob")
)
