// Package syncerr classifies failures of the sync engine.
//
// Every error that crosses a component boundary carries a Kind. The kind
// decides what happens next: validation errors are rejected at ingestion and
// never logged as sync attempts, conflicts wait for a decision, transient
// errors are retried with backoff and permanent errors fail after one attempt.
package syncerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindPermanent  Kind = "permanent"
	KindNotFound   Kind = "not_found"
)

// Error is a classified error. Op names the failing operation and Field the
// offending field or payload key, when there is one.
type Error struct {
	Kind  Kind
	Op    string
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry scheduler may try again.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Err: fmt.Errorf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, fmt.Errorf(format, args...))
}

func Conflict(op string, fields ...string) *Error {
	return newError(KindConflict, op, fmt.Errorf("unresolved conflict on %v", fields))
}

func Transient(op string, err error) *Error {
	return newError(KindTransient, op, err)
}

func Permanent(op string, err error) *Error {
	return newError(KindPermanent, op, err)
}

// KindOf classifies any error. Unclassified errors count as transient so a
// surprise failure is retried instead of silently dropped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	// deadlines, cancellations and network errors all land here
	return KindTransient
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsTransient(err error) bool  { return KindOf(err) == KindTransient }
func IsPermanent(err error) bool  { return KindOf(err) == KindPermanent }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
