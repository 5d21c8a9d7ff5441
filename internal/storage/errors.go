package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when no credential matches a key hash
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrUsageCounterUnavailable is returned when the counter procedure yields no row
	ErrUsageCounterUnavailable = errors.New("usage counter returned no row")
)
