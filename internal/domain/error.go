package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidArgument = errors.New("invalid argument")

	// Job lifecycle
	ErrAlreadyClaimed = errors.New("job already claimed")
	ErrJobTerminal    = errors.New("job already in a terminal state")
	ErrRateLimited    = errors.New("too many submissions")

	// Workflow / step store
	ErrStateNotFound    = errors.New("workflow state not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionBusy      = errors.New("session is locked by another writer")
	ErrDuplicateStep    = errors.New("duplicate step number for session")

	// Infra plumbing
	ErrInvalidExecContext = errors.New("invalid query execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
)
