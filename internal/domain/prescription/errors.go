package prescription

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable category of a workflow failure.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindInvalidState          Kind = "invalid_state"
	KindSafetyBlocked         Kind = "safety_blocked"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindValidation            Kind = "validation_error"
	KindConflict              Kind = "conflict"
)

// Error is a typed, user-visible workflow failure.
type Error struct {
	Kind    Kind
	Message string

	// Shortage details, set for KindInsufficientInventory.
	DrugID    string
	DrugName  string
	Available int
	Required  int
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a workflow error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// NotFound reports an unknown prescription, item, drug or alert.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", what, id)}
}

// InvalidState reports an operation attempted from the wrong status.
func InvalidState(op Operation, current Status) *Error {
	return &Error{
		Kind:    KindInvalidState,
		Message: fmt.Sprintf("cannot %s prescription in status %s", op, current),
	}
}

// SafetyBlocked reports unacknowledged critical alerts.
func SafetyBlocked(count int) *Error {
	return &Error{
		Kind:    KindSafetyBlocked,
		Message: fmt.Sprintf("verification blocked by %d unacknowledged critical safety alert(s)", count),
	}
}

// InsufficientInventory reports the first drug whose stock cannot cover an item.
func InsufficientInventory(drugID, drugName string, available, required int) *Error {
	name := drugName
	if name == "" {
		name = drugID
	}
	return &Error{
		Kind:      KindInsufficientInventory,
		Message:   fmt.Sprintf("insufficient inventory for %s: available %d, required %d", name, available, required),
		DrugID:    drugID,
		DrugName:  drugName,
		Available: available,
		Required:  required,
	}
}

// Validation reports a malformed request or patch.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a lost optimistic-concurrency race.
func Conflict(id string, expectedVersion int) *Error {
	return &Error{
		Kind:    KindConflict,
		Message: fmt.Sprintf("prescription %s was modified concurrently (expected version %d)", id, expectedVersion),
	}
}
