package api

import "fmt"

// ValidationError reports a missing or malformed applicant field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// SchemaMismatchError reports that feature order or count disagrees between
// the reference table, the model bundle and the feature builder.
type SchemaMismatchError struct {
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	return "feature schema mismatch: " + e.Detail
}

// ModelNotFoundError reports a cluster id with no registered model pair.
// It indicates drift between training artifacts and is never retryable.
type ModelNotFoundError struct {
	ClusterID int
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("no model registered for cluster %d", e.ClusterID)
}

// PersistenceError reports a failed history write. Scoring results stay valid.
type PersistenceError struct {
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Backend, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
