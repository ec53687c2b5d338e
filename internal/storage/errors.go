package storage

import "errors"

var (
	// ErrModelNotFound is returned when a model is not found
	ErrModelNotFound = errors.New("model not found")

	// ErrClaimTicketNotFound is returned when a claim ticket is not found
	ErrClaimTicketNotFound = errors.New("claim ticket not found")

	// ErrUnsupportedDriver is returned for a database driver other than postgres or pgx
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)
