package storage

import "errors"

var (
	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")

	// ErrUsageRecordNotFound is returned when a usage record is not found
	ErrUsageRecordNotFound = errors.New("usage record not found")

	// ErrTransactionConflict is returned when an optimistic update keeps losing races
	ErrTransactionConflict = errors.New("transaction conflict")
)
