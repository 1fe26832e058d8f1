package memory

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the engine.
var (
	ErrUnsupportedTier = errors.New("unsupported tier")
	ErrEmptyContent    = errors.New("content is empty")
	ErrEmptyQuery      = errors.New("query text is empty")
	ErrUnknownStrategy = errors.New("unknown forget strategy")
	ErrInvalidValue    = errors.New("invalid value")
	ErrNotFound        = errors.New("memory not found")
)

// ValidationError reports caller input the engine refuses.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports an id that no enabled tier owns.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// BackendError wraps a failure of a tier's underlying store.
type BackendError struct {
	Tier TierKind
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s tier %s: %v", e.Tier, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ConsolidationError is returned when a move between tiers fails part way.
// Moved counts items that reached the destination. Restored items went back
// to the source tier; Lost items could be placed in neither tier.
type ConsolidationError struct {
	From, To TierKind
	Moved    int
	Restored []string
	Lost     []string
	Err      error
}

func (e *ConsolidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "consolidate %s -> %s: moved %d", e.From, e.To, e.Moved)
	if len(e.Restored) > 0 {
		fmt.Fprintf(&b, ", restored %d", len(e.Restored))
	}
	if len(e.Lost) > 0 {
		fmt.Fprintf(&b, ", lost %d (%s)", len(e.Lost), strings.Join(e.Lost, ","))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *ConsolidationError) Unwrap() error { return e.Err }
