package app

import (
	"errors"
	"fmt"
	"net/http"

	"offshoot/api/internal/fork"
	"offshoot/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// translate turns core and store errors into DomainErrors. Anything it does
// not recognise is returned unchanged and surfaces as a 500.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var domain *DomainError
	if errors.As(err, &domain) {
		return err
	}
	var storeErr *fork.StoreError
	switch {
	case errors.Is(err, fork.ErrInvalidFork):
		return domainError(http.StatusNotFound, "INVALID_FORK", "Fork not found or no longer available", nil)
	case errors.Is(err, fork.ErrInvalidOriginal):
		return domainError(http.StatusUnprocessableEntity, "INVALID_ORIGINAL", "The target document is missing or cannot take forks", nil)
	case errors.Is(err, fork.ErrMismatch):
		return domainError(http.StatusConflict, "MISMATCH", "The fork was not created from this document", nil)
	case errors.Is(err, fork.ErrAlreadyMerged):
		return domainError(http.StatusConflict, "ALREADY_MERGED", "The fork has already been merged", nil)
	case errors.Is(err, fork.ErrOriginalDeleted):
		return domainError(http.StatusGone, "ORIGINAL_DELETED", "The document this fork was made from has been deleted", nil)
	case errors.Is(err, fork.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.As(err, &storeErr):
		return domainError(http.StatusInternalServerError, "STORE_ERROR", "The document store rejected the change", map[string]any{"op": storeErr.Op})
	}
	return err
}
