package repository

import (
	"context"
	"sort"
	"sync"

	"brain2-uow/internal/uow"
)

// Mutation is a staged write. ExpectedVersion is the version the store must still hold
// for the write to apply; 0 means the key must never have been stored. A delete leaves
// a tombstone at NextVersion, so versions of a key never go backwards.
type Mutation struct {
	Key             string
	Value           []byte
	Delete          bool
	ExpectedVersion int64
}

// NextVersion is the version the record has after the mutation is applied.
func (m Mutation) NextVersion() int64 {
	return m.ExpectedVersion + 1
}

// ChangeSet tracks the versions a session has read and the writes it has staged.
// Backends embed it and implement the commit. It is safe for concurrent use.
type ChangeSet struct {
	mu        sync.Mutex
	originals map[string]int64
	pending   map[string]Mutation
	released  bool
}

// NewChangeSet creates an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		originals: make(map[string]int64),
		pending:   make(map[string]Mutation),
	}
}

// Track remembers the version read for key unless one is already tracked.
// A record read twice keeps the version of the first read.
func (c *ChangeSet) Track(key string, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.originals[key]; !ok {
		c.originals[key] = version
	}
}

// Original returns the tracked version of key.
func (c *ChangeSet) Original(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.originals[key]
	return v, ok
}

// Put stages a write of value under key.
func (c *ChangeSet) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = Mutation{Key: key, Value: append([]byte(nil), value...)}
}

// Delete stages the removal of key.
func (c *ChangeSet) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = Mutation{Key: key, Delete: true}
}

// Staged returns the staged value of key, if a write is pending.
func (c *ChangeSet) Staged(key string) (Mutation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pending[key]
	return m, ok
}

// Mutations returns the staged writes sorted by key, each carrying its expected version.
func (c *ChangeSet) Mutations() []Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Mutation, 0, len(c.pending))
	for key, m := range c.pending {
		m.ExpectedVersion = c.originals[key]
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Applied records a successful commit: tracked versions move forward and nothing stays staged.
func (c *ChangeSet) Applied(mutations []Mutation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range mutations {
		c.originals[m.Key] = m.NextVersion()
		delete(c.pending, m.Key)
	}
}

// AcceptStoreVersion overwrites the tracked version of the entry's key with the stored one.
func (c *ChangeSet) AcceptStoreVersion(ctx context.Context, entry uow.ConflictEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.originals[entry.Key] = entry.StoreVersion
	return nil
}

// MarkReleased flags the change set as released and reports whether it already was.
func (c *ChangeSet) MarkReleased() (already bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	already = c.released
	c.released = true
	c.pending = make(map[string]Mutation)
	return already
}

// Released reports whether MarkReleased was called.
func (c *ChangeSet) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
