package graph

import "errors"

var (
	// ErrWriteConflict is a transient storage conflict; the Writer retries it.
	ErrWriteConflict = errors.New("write conflict")
	// ErrPersistence is a write that could not be completed for a record.
	ErrPersistence = errors.New("persistence error")
	ErrNotFound    = errors.New("not found")
)
