package venue

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrStaleQuote       = errors.New("stale or missing quote")
	ErrSizeMismatch     = errors.New("leg sizes cannot be matched")
	ErrOrderRejected    = errors.New("order rejected")
	ErrOrderTimeout     = errors.New("order timeout")
	ErrUnwindFailed     = errors.New("unwind failed")
)

type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrOrderRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrOrderRejected, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrOrderRejected
}

func Rejected(reason string) error {
	return &RejectedError{Reason: reason}
}

func Unavailable(id ID, err error) error {
	if err == nil {
		return fmt.Errorf("venue %s: %w", id, ErrVenueUnavailable)
	}
	return fmt.Errorf("venue %s: %w: %v", id, ErrVenueUnavailable, err)
}

// Classify names the failure kind of err for cycle records and metrics labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStaleQuote):
		return "StaleOrMissingQuote"
	case errors.Is(err, ErrSizeMismatch):
		return "SizeMismatch"
	case errors.Is(err, ErrOrderRejected):
		return "OrderRejected"
	case errors.Is(err, ErrOrderTimeout):
		return "OrderTimeout"
	case errors.Is(err, ErrUnwindFailed):
		return "UnwindFailed"
	case errors.Is(err, ErrVenueUnavailable):
		return "VenueUnavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	}
	return "Unknown"
}

// Retryable reports whether a failed call may be repeated safely.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderRejected) {
		return false
	}
	return errors.Is(err, ErrVenueUnavailable)
}
