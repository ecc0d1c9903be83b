package uow

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// eventLog records the order in which resources are touched.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.list() {
		if e == event {
			n++
		}
	}
	return n
}

func (l *eventLog) index(event string) int {
	for i, e := range l.list() {
		if e == event {
			return i
		}
	}
	return -1
}

// fakeHandle is a store handle whose commits fail with the queued errors.
type fakeHandle struct {
	log *eventLog

	mu         sync.Mutex
	commitErrs []error
	commits    int
	releases   int
	accepted   []ConflictEntry
}

func newFakeHandle(log *eventLog, commitErrs ...error) *fakeHandle {
	if log == nil {
		log = &eventLog{}
	}
	return &fakeHandle{log: log, commitErrs: commitErrs}
}

func (h *fakeHandle) Commit(ctx context.Context) error {
	h.log.add("commit")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits++
	if len(h.commitErrs) == 0 {
		return nil
	}
	err := h.commitErrs[0]
	h.commitErrs = h.commitErrs[1:]
	return err
}

func (h *fakeHandle) CommitAsync(ctx context.Context) *Future[struct{}] {
	return Go(func() (struct{}, error) {
		return struct{}{}, h.Commit(ctx)
	})
}

func (h *fakeHandle) Release() error {
	h.log.add("release")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases++
	return nil
}

func (h *fakeHandle) AcceptStoreVersion(ctx context.Context, entry ConflictEntry) error {
	h.log.add("accept")
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepted = append(h.accepted, entry)
	return nil
}

func (h *fakeHandle) Commits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commits
}

func (h *fakeHandle) Releases() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releases
}

func (h *fakeHandle) Accepted() []ConflictEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ConflictEntry(nil), h.accepted...)
}

type fakeTx struct {
	log *eventLog
}

func (t *fakeTx) Complete() error {
	t.log.add("complete")
	return nil
}

func (t *fakeTx) Release() error {
	t.log.add("tx.release")
	return nil
}

// handleFactory hands out fresh fake handles and remembers them.
type handleFactory struct {
	log *eventLog
	// commitErrs is queued on every handle created.
	commitErrs []error

	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *handleFactory) create(ctx context.Context, strategy ConcurrencyStrategy, resolveName string) (StoreHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := newFakeHandle(f.log, append([]error(nil), f.commitErrs...)...)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *handleFactory) created() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandle(nil), f.handles...)
}

// MockStoreHandle is a testify mock of StoreHandle.
type MockStoreHandle struct {
	mock.Mock
}

func (m *MockStoreHandle) Commit(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStoreHandle) CommitAsync(ctx context.Context) *Future[struct{}] {
	args := m.Called(ctx)
	return args.Get(0).(*Future[struct{}])
}

func (m *MockStoreHandle) Release() error {
	args := m.Called()
	return args.Error(0)
}

func noSleep() Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	})
}

func conflictOn(tracker VersionTracker, keys ...string) *ConflictError {
	entries := make([]ConflictEntry, 0, len(keys))
	for i, key := range keys {
		entries = append(entries, ConflictEntry{Key: key, LocalVersion: int64(i + 1), StoreVersion: int64(i + 2)})
	}
	return &ConflictError{Entries: entries, Tracker: tracker}
}
