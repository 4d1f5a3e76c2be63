package utils

import (
	"errors"
	"fmt"
)

// Class partitions engine errors by how callers must react to them.
type Class int

const (
	// ClassUnknown is the zero value for errors produced outside the engine.
	ClassUnknown Class = iota
	// ClassTransient errors (timeouts, rate limits) are retried with backoff.
	ClassTransient
	// ClassRejected errors (malformed request, non-triggerable job) are never retried.
	ClassRejected
	// ClassDataIntegrity errors are logged and the offending record skipped.
	ClassDataIntegrity
	// ClassFatal errors halt startup; they are not recoverable at runtime.
	ClassFatal
)

// AppError wraps an operation, human-facing message, classification, and cause.
type AppError struct {
	Op    string
	Msg   string
	Class Class
	Err   error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Transient builds a retryable error.
func Transient(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Class: ClassTransient, Err: err}
}

// Rejected builds a permanently failed error.
func Rejected(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Class: ClassRejected, Err: err}
}

// DataIntegrity builds a skip-and-continue error.
func DataIntegrity(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Class: ClassDataIntegrity, Err: err}
}

// Fatal builds a startup-halting error.
func Fatal(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Class: ClassFatal, Err: err}
}

// ClassOf extracts the classification from an error chain.
func ClassOf(err error) Class {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Class
	}
	return ClassUnknown
}

// IsTransient reports whether the error chain is marked retryable.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsRejected reports whether the error chain is marked non-retryable.
func IsRejected(err error) bool {
	return ClassOf(err) == ClassRejected
}
