package fork

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("fork: not found")
	ErrInvalidFork     = errors.New("fork: invalid fork")
	ErrInvalidOriginal = errors.New("fork: invalid original document")
	ErrMismatch        = errors.New("fork: fork does not belong to this document")
	ErrAlreadyMerged   = errors.New("fork: already merged")
	ErrOriginalDeleted = errors.New("fork: original document was deleted")
)

// StoreError wraps a failure of an underlying store call. The wrapped error
// is passed through untouched.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("fork: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
