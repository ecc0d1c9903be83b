package repository

import (
	"context"
	"errors"

	"brain2-uow/internal/uow"
)

// ErrNotFound is returned by Session.Get when the key does not exist.
var ErrNotFound = errors.New("record not found")

// ErrReleased is returned when a released session is used.
var ErrReleased = errors.New("session released")

// Record is one versioned value. Version 0 means "never stored". Get on a deleted
// key returns ErrNotFound together with the version of its tombstone.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Session is a store handle with key/value access and optimistic version tracking.
//
// Get records the version it read; Put and Delete stage changes that Commit writes
// only if the stored versions still match what was read. Keys written without being
// read are expected never to have been stored; a deleted key counts as stored.
type Session interface {
	uow.StoreHandle
	uow.VersionTracker

	Get(ctx context.Context, key string) (Record, error)
	Original(key string) (int64, bool)
	Put(key string, value []byte)
	Delete(key string)
}

// SessionFrom returns h as a Session.
func SessionFrom(h uow.StoreHandle) (Session, bool) {
	s, ok := h.(Session)
	return s, ok
}
