package durable

import (
	"errors"
	"fmt"

	apperrors "signal_trader/pkg/errors"
)

// TaskFailedError is returned by Task.Await when an activity or sub-orchestration failed for good
type TaskFailedError struct {
	Kind    string
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the apperrors sentinel named by Kind, so errors.Is works on replayed failures
func (e *TaskFailedError) Is(target error) bool {
	sentinel := apperrors.FromKind(e.Kind)
	return sentinel != nil && sentinel == target
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an activity error as final: the engine records the failure without retrying
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsRetryable reports whether an activity error may succeed on another attempt
func IsRetryable(err error) bool {
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	return !apperrors.IsTerminal(err)
}

// errorKind is the recorded kind of err
func errorKind(err error) string {
	var tf *TaskFailedError
	if errors.As(err, &tf) {
		return tf.Kind
	}
	return apperrors.Kind(err)
}
