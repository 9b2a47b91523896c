package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// Engine error kinds. Every operation in the workflow package fails with
// exactly one of these (wrapped with %w), so callers dispatch with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrTypeMismatch           = errors.New("type mismatch")
	ErrOverAllocation         = errors.New("over allocation")
	ErrIneligibleItem         = errors.New("ineligible item")
	ErrAlreadyPosted          = errors.New("already posted")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidParent          = errors.New("invalid parent")
)

// IsRetryable reports whether the caller is expected to retry the
// operation automatically. Only optimistic-lock conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
