package migration

import (
	"errors"
	"fmt"
)

// Expected terminal conditions and fatal migration failures.
var (
	// ErrIsLatestVersion signals that no further step exists. Callers treat
	// it as the normal end of the migration loop, not a failure.
	ErrIsLatestVersion = errors.New("model is already at the latest version")
	// ErrMissingProfile is fatal: the profile step cannot complete without
	// at least one resulting owner.
	ErrMissingProfile = errors.New("migration produced no profile")
)

// StoreErrorKind classifies which store primitive failed during a step.
type StoreErrorKind string

const (
	KindRead           StoreErrorKind = "read"
	KindWrite          StoreErrorKind = "write"
	KindDelete         StoreErrorKind = "delete"
	KindInitialization StoreErrorKind = "initialization"
	KindUnspecified    StoreErrorKind = "unspecified"
)

// StoreError wraps an underlying store failure, preserving the cause for
// diagnostics. The version marker is not advanced when a step returns one.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func readErr(err error) *StoreError   { return &StoreError{Kind: KindRead, Err: err} }
func writeErr(err error) *StoreError  { return &StoreError{Kind: KindWrite, Err: err} }
func deleteErr(err error) *StoreError { return &StoreError{Kind: KindDelete, Err: err} }
