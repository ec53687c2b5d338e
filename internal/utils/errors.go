package utils

import (
	"context"
	"errors"

	"metered_gateway/internal/kvstore"
	"metered_gateway/internal/ledger"
)

// IsRetryable reports whether repeating a failed operation can succeed.
// Validation and missing-record errors are permanent.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidConcurrency),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, kvstore.ErrNotFound):
		return false
	}
	return true
}
