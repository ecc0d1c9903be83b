package uow

import (
	"errors"
	"fmt"
	"strings"
)

// ConflictEntry is one record whose locally held version no longer matches the store.
// A StoreVersion of 0 means the record does not exist in the store any more.
type ConflictEntry struct {
	Key          string
	LocalVersion int64
	StoreVersion int64
}

// ConflictError is raised by a store commit when optimistic concurrency checks fail.
// Tracker, when set, is the session able to accept the store versions of Entries.
type ConflictError struct {
	Entries []ConflictEntry
	Tracker VersionTracker
	Err     error
}

func (e *ConflictError) Error() string {
	keys := make([]string, 0, len(e.Entries))
	for _, entry := range e.Entries {
		keys = append(keys, fmt.Sprintf("%s(local=%d, store=%d)", entry.Key, entry.LocalVersion, entry.StoreVersion))
	}
	msg := "concurrency conflict on " + strings.Join(keys, ", ")
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// AsConflict extracts a *ConflictError from err's chain.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// IsConflict reports whether err carries a concurrency conflict.
func IsConflict(err error) bool {
	_, ok := AsConflict(err)
	return ok
}
