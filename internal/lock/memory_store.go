package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// memoryEntry is one stored document. The mutex is the document's exclusive section:
// every lease check-then-set on the document runs under it.
type memoryEntry struct {
	mu   sync.Mutex
	data []byte
}

// MemoryStore is an in-process Backend for tests and single-process use. Documents are
// kept JSON-encoded, so callers always receive copies and never alias stored state.
type MemoryStore[P any] struct {
	docs *xsync.MapOf[string, *memoryEntry]
	opts storeOptions
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore[P any](opts ...StoreOption) *MemoryStore[P] {
	return &MemoryStore[P]{
		docs: xsync.NewMapOf[string, *memoryEntry](),
		opts: newStoreOptions("memory", opts),
	}
}

// LeaseDuration implements Store.
func (s *MemoryStore[P]) LeaseDuration() time.Duration { return s.opts.lease }

// Create implements Documents.
func (s *MemoryStore[P]) Create(ctx context.Context, id string, doc *P) error {
	if id == "" || doc == nil {
		return fmt.Errorf("%w: id and document are required", ErrInvalidArgument)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if _, loaded := s.docs.LoadOrStore(id, &memoryEntry{data: data}); loaded {
		return fmt.Errorf("%w: %s", ErrDocumentExists, id)
	}
	return nil
}

// Get implements Documents.
func (s *MemoryStore[P]) Get(ctx context.Context, id string) (*P, error) {
	entry, ok := s.docs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return decodeDocument[P](entry.data)
}

// Len returns the number of stored documents.
func (s *MemoryStore[P]) Len() int {
	return s.docs.Size()
}

// AcquireLock implements Store.
func (s *MemoryStore[P]) AcquireLock(ctx context.Context, sel Selector[P], parentID, targetID string, staleMultiplier int) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkStaleMultiplier(staleMultiplier); err != nil {
		return nil, err
	}

	until, staleBefore := s.opts.leaseWindow(staleMultiplier)
	lockID := s.opts.newID()

	doc, err := s.mutate(parentID, func(doc *P) bool {
		return applyAcquire(doc, sel, targetID, lockID, until, staleBefore)
	})
	s.opts.trace("acquire", sel, parentID, targetID, doc != nil)
	return doc, err
}

// RefreshLock implements Store.
func (s *MemoryStore[P]) RefreshLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	until, _ := s.opts.leaseWindow(0)
	doc, err := s.mutate(parentID, func(doc *P) bool {
		return applyRefresh(doc, sel, targetID, lockID, until)
	})
	s.opts.trace("refresh", sel, parentID, targetID, doc != nil)
	return doc != nil, err
}

// ReleaseLock implements Store.
func (s *MemoryStore[P]) ReleaseLock(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (bool, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return false, err
	}
	if err := checkLockID(lockID); err != nil {
		return false, err
	}

	doc, err := s.mutate(parentID, func(doc *P) bool {
		return applyRelease(doc, sel, targetID, lockID)
	})
	if err != nil {
		return false, err
	}
	s.opts.trace("release", sel, parentID, targetID, doc != nil)
	return true, nil
}

// GetLockedEntity implements Store.
func (s *MemoryStore[P]) GetLockedEntity(ctx context.Context, sel Selector[P], parentID, targetID, lockID string) (*P, error) {
	targetID, err := sel.normalize(parentID, targetID)
	if err != nil {
		return nil, err
	}
	if err := checkLockID(lockID); err != nil {
		return nil, err
	}

	entry, ok := s.docs.Load(parentID)
	if !ok {
		return nil, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	doc, err := decodeDocument[P](entry.data)
	if err != nil {
		return nil, err
	}
	if !holds(doc, sel, targetID, lockID) {
		return nil, nil
	}
	return doc, nil
}

// mutate runs fn on a decoded copy of the document under its exclusive section and
// stores the result if fn reports a change. It returns the updated copy, or nil if the
// document is absent or fn did not match.
func (s *MemoryStore[P]) mutate(id string, fn func(*P) bool) (*P, error) {
	entry, ok := s.docs.Load(id)
	if !ok {
		return nil, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	doc, err := decodeDocument[P](entry.data)
	if err != nil {
		return nil, err
	}
	if !fn(doc) {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	entry.data = data
	return doc, nil
}

func decodeDocument[P any](data []byte) (*P, error) {
	var doc P
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &doc, nil
}
