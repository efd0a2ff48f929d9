package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedIdentifier means a session identifier does not parse.
	ErrMalformedIdentifier = errors.New("malformed session identifier")
	// ErrUnauthorized means the user/conversation pair does not exist or is not owned.
	ErrUnauthorized = errors.New("no such user or conversation")
	// ErrUsernameConflict means a registration target already exists or is reserved.
	ErrUsernameConflict = errors.New("username already exists or is not allowed")
	// ErrCredential covers both unknown users and wrong passwords.
	ErrCredential = errors.New("invalid username or password")
	// ErrNotFound means the addressed user does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput means a request argument other than the session identifier is unusable.
	ErrInvalidInput = errors.New("invalid input")
	// ErrExtraction is a hard keyword extractor failure.
	ErrExtraction = errors.New("keyword extraction failed")
	// ErrRetrieval is a hard retriever failure.
	ErrRetrieval = errors.New("retrieval failed")
	// ErrPersistence means an answered exchange could not be recorded.
	ErrPersistence = errors.New("exchange not persisted")
)

// Stage is a state of the query pipeline.
type Stage string

// Pipeline stages in execution order.
const (
	StageValidating Stage = "validating"
	StageExtracting Stage = "extracting"
	StageRetrieving Stage = "retrieving"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
)

// StageError records the pipeline stage that failed and its cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to the failed stage.
func (e *StageError) Is(target error) bool {
	switch e.Stage {
	case StageValidating:
		return target == ErrInvalidInput
	case StageExtracting:
		return target == ErrExtraction
	case StageRetrieving:
		return target == ErrRetrieval
	case StagePersisting:
		return target == ErrPersistence
	}
	return false
}
