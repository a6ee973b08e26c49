package models

import "errors"

// Application-wide standard errors
var (
	// Common Resource Errors
	ErrNotFound    = errors.New("resource not found") // General not found
	ErrJobNotFound = errors.New("job not found")

	// Queue Errors
	ErrQueueUnavailable = errors.New("job queue broker is unavailable")

	// Saga Store Errors
	ErrInvalidTransition = errors.New("illegal saga status regression")
	ErrAlreadyTerminal   = errors.New("saga is already in a terminal status")
	ErrPageLimitExceeded = errors.New("page count would exceed total pages")

	// Worker Errors
	ErrCollaboratorFailure = errors.New("generation collaborator call failed")
)
