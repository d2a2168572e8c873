// Package session provides the session table: the binding between an
// observed client endpoint and a chosen backend, keyed per protocol and
// listen port. Rebinds swap the binding behind the session's identity so
// in-flight forwarders observe the switch on their next packet instead of
// ever seeing an absent session.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avdirector/internal/backend"
	"github.com/vyrodovalexey/avdirector/internal/config"
	"github.com/vyrodovalexey/avdirector/internal/observability"
)

// Key identifies a session: the client's observed source endpoint plus the
// protocol and listen port the traffic arrived on.
type Key struct {
	Client     string
	Protocol   config.Protocol
	ListenPort int
}

// Session is one client-to-backend binding. The binding is replaced
// atomically on rebind; identity and activity are preserved.
type Session struct {
	key          Key
	binding      atomic.Pointer[backend.Binding]
	lastActivity atomic.Int64
}

// newSession creates a session bound to b.
func newSession(key Key, b backend.Binding) *Session {
	s := &Session{key: key}
	s.binding.Store(&b)
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Key returns the session key.
func (s *Session) Key() Key {
	return s.key
}

// Binding returns the current binding.
func (s *Session) Binding() backend.Binding {
	return *s.binding.Load()
}

// Touch updates the activity timestamp to now.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// rebind swaps the binding; the activity timestamp is left as it was.
func (s *Session) rebind(b backend.Binding) {
	s.binding.Store(&b)
}

// Table maps session keys to sessions. Readers on the data path take only
// the read lock; rebinds swap an atomic pointer under the write lock, so a reader sees either
// the old or the new binding, never a torn record.
type Table struct {
	logger  observability.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	sessions map[Key]*Session
	byClient map[string]map[Key]*Session
	byHost   map[string]int
}

// TableOption is a functional option for configuring the table.
type TableOption func(*Table)

// WithTableLogger sets the logger for the table.
func WithTableLogger(logger observability.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithTableMetrics sets the metrics sink for the table.
func WithTableMetrics(m *observability.Metrics) TableOption {
	return func(t *Table) {
		t.metrics = m
	}
}

// NewTable creates an empty session table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		logger:   observability.NopLogger(),
		sessions: make(map[Key]*Session),
		byClient: make(map[string]map[Key]*Session),
		byHost:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the session for a key, or nil.
func (t *Table) Get(key Key) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[key]
}

// GetByClient returns a session for the client endpoint under any protocol
// and listen port, preferring the most recently active one. This covers a
// client whose session was installed eagerly on a sibling port.
func (t *Table) GetByClient(client string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Session
	var bestActivity int64
	for _, s := range t.byClient[client] {
		if activity := s.lastActivity.Load(); best == nil || activity > bestActivity {
			best = s
			bestActivity = activity
		}
	}
	return best
}

// Upsert installs or rebinds the session for a key and returns it. An
// existing session keeps its identity and activity timestamp: the binding
// pointer is swapped, it is never removed and re-created.
func (t *Table) Upsert(key Key, b backend.Binding) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[key]; ok {
		oldHost := existing.Binding().Host()
		existing.rebind(b)
		if oldHost != b.Host() {
			t.decHost(oldHost)
			t.byHost[b.Host()]++
		}
		t.logger.Debug("session rebound",
			observability.String("client", key.Client),
			observability.String("binding", b.String()))
		return existing
	}

	s := newSession(key, b)
	t.sessions[key] = s
	if t.byClient[key.Client] == nil {
		t.byClient[key.Client] = make(map[Key]*Session)
	}
	t.byClient[key.Client][key] = s
	t.byHost[b.Host()]++
	t.publishCount()

	t.logger.Debug("session installed",
		observability.String("client", key.Client),
		observability.String("protocol", string(key.Protocol)),
		observability.Int("listenPort", key.ListenPort),
		observability.String("binding", b.String()))
	return s
}

// Touch refreshes a session's activity.
func (t *Table) Touch(key Key) {
	t.mu.RLock()
	s := t.sessions[key]
	t.mu.RUnlock()
	if s != nil {
		s.Touch()
	}
}

// Sweep removes sessions whose last activity is before the cutoff and
// returns how many were evicted.
func (t *Table) Sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoffNanos := cutoff.UnixNano()
	var evicted []Key
	for key, s := range t.sessions {
		if s.lastActivity.Load() < cutoffNanos {
			evicted = append(evicted, key)
		}
	}
	for _, key := range evicted {
		t.removeLocked(key)
	}
	t.publishCount()
	return len(evicted)
}

// Remove deletes a session outright.
func (t *Table) Remove(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key)
	t.publishCount()
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ActiveSessions returns the number of live sessions bound to a host, used
// by the selector's load policies.
func (t *Table) ActiveSessions(host string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byHost[host]
}

// Clear drops every session, used at shutdown.
func (t *Table) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.sessions)
	t.sessions = make(map[Key]*Session)
	t.byClient = make(map[string]map[Key]*Session)
	t.byHost = make(map[string]int)
	t.publishCount()
	return n
}

// removeLocked removes one session. Must be called with the lock held.
func (t *Table) removeLocked(key Key) {
	s, ok := t.sessions[key]
	if !ok {
		return
	}
	delete(t.sessions, key)
	if clients := t.byClient[key.Client]; clients != nil {
		delete(clients, key)
		if len(clients) == 0 {
			delete(t.byClient, key.Client)
		}
	}
	t.decHost(s.Binding().Host())
}

// decHost decrements a per-host count, dropping the entry at zero.
// Must be called with the lock held.
func (t *Table) decHost(host string) {
	if n := t.byHost[host]; n <= 1 {
		delete(t.byHost, host)
	} else {
		t.byHost[host] = n - 1
	}
}

// publishCount updates the session gauge. Must be called with the lock
// held.
func (t *Table) publishCount() {
	if t.metrics != nil {
		t.metrics.SetActiveSessions(len(t.sessions))
	}
}
