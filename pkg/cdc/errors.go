package cdc

import (
	"errors"
	"fmt"
)

// ErrDataLoss is returned by a claim when change data has expired before it was processed
// and the claim was not asked to continue with data loss.
var ErrDataLoss = errors.New("change data loss detected")

// DatabaseError wraps any failure of a BatchStore operation
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError wraps err as a DatabaseError for the named operation; nil stays nil
func NewDatabaseError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}
