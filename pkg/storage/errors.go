package storage

import "errors"

// Sentinel errors returned by the Job Store and Result Store.
var (
	// ErrJobNotFound indicates finish_job or a merge-by-id targeted a job
	// that no longer exists.
	ErrJobNotFound = errors.New("job not found")
)
