package forward

import (
	"errors"
	"fmt"

	"github.com/flowpbx/callforward/internal/registry"
)

var (
	// ErrNotFound is returned when no rule exists for an id.
	ErrNotFound = errors.New("call forward not found")

	// ErrNoContexts is returned when a rule would apply to no context at all.
	ErrNoContexts = errors.New("call forward needs at least one context")

	// ErrNotPersisted is returned when a draft rule is passed where a stored
	// rule is required.
	ErrNotPersisted = errors.New("call forward has not been stored yet")

	// ErrEmptyExtension is returned for an empty source or destination.
	ErrEmptyExtension = errors.New("extension must not be empty")
)

// UnknownContextError reports a context name missing from the registry.
type UnknownContextError struct {
	Name string
}

func (e *UnknownContextError) Error() string {
	return fmt.Sprintf("unknown context %q", e.Name)
}

// OverlapError reports that a rule would share Context with an existing rule
// for the same source extension.
type OverlapError struct {
	From          registry.Extension
	Context       registry.Context
	ConflictingID int64
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("call forward from %s already exists for context %s (rule %d)",
		e.From, e.Context.ProtocolName, e.ConflictingID)
}

// StorageError wraps a failure of the underlying database. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("call forward storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
