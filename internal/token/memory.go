package token

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
	"github.com/vyrodovalexey/avdirector/internal/util"
)

// memoryStore implements an in-memory token cache with a size bound that
// evicts the oldest-minted entry first (lookups do not refresh an entry's
// place) and per-entry expiry. Lookups are O(1); the size bound guards against a
// client minting tokens faster than they expire.
type memoryStore struct {
	logger     observability.Logger
	maxEntries int

	mu       sync.RWMutex
	items    map[string]*list.Element
	eviction *list.List

	stopCh chan struct{}
}

// memoryEntry is one token binding with its expiry.
type memoryEntry struct {
	token     string
	binding   backend.Binding
	expiresAt time.Time
}

// newMemoryStore creates the in-memory store and starts its cleanup loop.
func newMemoryStore(cfg config.TokenStore, logger observability.Logger) *memoryStore {
	maxEntries := cfg.MaxTokens
	if maxEntries <= 0 {
		maxEntries = config.DefaultTokenStoreMaxTokens
	}

	s := &memoryStore{
		logger:     logger,
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}

	go s.cleanupLoop()

	logger.Info("memory token store initialized",
		observability.Int("maxTokens", maxEntries))

	return s
}

// Put mints a token for the binding.
func (s *memoryStore) Put(_ context.Context, b backend.Binding, ttl time.Duration) (string, error) {
	entry := &memoryEntry{
		token:     mint(),
		binding:   b,
		expiresAt: time.Now().Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.eviction.PushFront(entry)
	s.items[entry.token] = elem

	for s.eviction.Len() > s.maxEntries {
		s.evictOldest()
	}

	s.logger.Debug("token minted",
		observability.String("token", entry.token[:8]),
		observability.Duration("ttl", ttl))

	return entry.token, nil
}

// Get returns the binding for a live token. An expired entry is removed on
// first access and reported exactly like an unknown token.
func (s *memoryStore) Get(_ context.Context, token string) (backend.Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[token]
	if !exists {
		return backend.Binding{}, util.ErrUnknownToken
	}

	entry := elem.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		s.removeElement(elem)
		return backend.Binding{}, util.ErrUnknownToken
	}

	return entry.binding, nil
}

// Invalidate removes a token.
func (s *memoryStore) Invalidate(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[token]; exists {
		s.removeElement(elem)
	}
	return nil
}

// Purge removes expired entries.
func (s *memoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element
	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*memoryEntry)
		if now.After(entry.expiresAt) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		s.removeElement(elem)
	}
	return len(toRemove), nil
}

// Len returns the number of live entries, counting not-yet-purged expired
// ones.
func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eviction.Len()
}

// Close stops the cleanup loop and drops all entries.
func (s *memoryStore) Close() error {
	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*list.Element)
	s.eviction.Init()
	return nil
}

// evictOldest removes the least recently minted entry.
// Must be called with the lock held.
func (s *memoryStore) evictOldest() {
	if elem := s.eviction.Back(); elem != nil {
		s.removeElement(elem)
		s.logger.Debug("token store evicted oldest entry")
	}
}

// removeElement removes an element. Must be called with the lock held.
func (s *memoryStore) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(s.items, entry.token)
}

// cleanupLoop periodically drops expired entries so abandoned tokens do
// not pin the size bound.
func (s *memoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, _ := s.Purge(context.Background()); n > 0 {
				s.logger.Debug("token store cleanup",
					observability.Int("removed", n))
			}
		case <-s.stopCh:
			return
		}
	}
}
