package domain

import "errors"

var (
	// ErrNotFound is returned when an archive or live table does not exist
	ErrNotFound = errors.New("not found")
	// ErrTaskNotFound is returned when a commit names a task that is not running
	ErrTaskNotFound = errors.New("task not found")

	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalidYear   = errors.New("invalid year")
	ErrInvalidDay    = errors.New("invalid day of year")
	ErrInvalidRecord = errors.New("invalid day record")
	ErrInvalidQuery  = errors.New("invalid query")

	// ErrFetchFailed marks a fetch the script reported as failed
	ErrFetchFailed = errors.New("fetch failed")
)
