// Package backuperr defines the failure taxonomy shared by the staging area,
// the sync job and the queue that retries it.
package backuperr

import (
	"errors"
	"fmt"
)

// Kind classifies why a backup attempt failed.
type Kind string

const (
	// PreconditionError means validation failed and nothing was mutated.
	PreconditionError Kind = "precondition"
	// StagingUnavailable is a local resource problem with the destination.
	StagingUnavailable Kind = "staging_unavailable"
	// ExportError is a local serialization or encryption failure.
	ExportError Kind = "export"
	// UploadError is a network or remote store failure.
	UploadError Kind = "upload"
	// DuplicateBackupError means a valid artifact already holds the final name.
	DuplicateBackupError Kind = "duplicate_backup"
	// PromotionConflict is raised by the staging area when the rename target exists.
	PromotionConflict Kind = "promotion_conflict"
	// PromotionFailed is raised by the staging area for any other rename error.
	PromotionFailed Kind = "promotion_failed"
)

// Error implements error so a Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Retryable reports whether a new attempt could succeed without intervention.
func (k Kind) Retryable() bool {
	return k != DuplicateBackupError
}

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's own Kind, so errors.Is(err, ExportError) works
// through any number of wrapping layers.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsFatal reports whether err should stop invocation-level retries.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && !kind.Retryable()
}
