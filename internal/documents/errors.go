package documents

import (
	"errors"
	"fmt"
)

var errMissingDatabase = errors.New("database handle is required")

// StoreError is an operation+reason coded error, mirroring the rest of
// this codebase's service-error idiom of a stable "operation.reason" code
// plus a wrapped cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier for this error.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
