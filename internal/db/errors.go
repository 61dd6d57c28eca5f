package db

import (
	"errors"
	"strings"
)

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrProductNotFound indicates no inventory record exists for the product.
var ErrProductNotFound = errors.New("product not found")

// ErrUserNotFound indicates no balance record exists for the user.
var ErrUserNotFound = errors.New("user not found")

// ErrSagaNotFound indicates no saga instance exists for the order.
var ErrSagaNotFound = errors.New("saga instance not found")

// ErrInvalidStateTransition indicates an invalid order or saga transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrConcurrentUpdate indicates the row changed between read and conditional write.
var ErrConcurrentUpdate = errors.New("state changed concurrently")

// ErrInvalidAmount indicates a non-positive debit amount or reservation quantity.
var ErrInvalidAmount = errors.New("amount must be positive")

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	// SQLite unique constraint error contains "UNIQUE constraint failed"
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
