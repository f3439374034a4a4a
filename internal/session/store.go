package session

import (
	"sort"
	"sync"
)

// Store is the process-wide registry of sessions. Its lock only guards the
// map; it is never held while a session does work, and session locks are
// never held while the map changes.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
}

// NewStore creates an empty registry whose sessions use opts.
func NewStore(opts Options) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		opts:     opts,
	}
}

// GetOrCreate returns the live session for key, creating it if the key is
// absent. A session that is still registered but already torn down is
// replaced, so a new session never inherits buffers from a closing one.
func (s *Store) GetOrCreate(key string) (sess *Session, created bool) {
	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok && !sess.Closed() {
		return sess, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok && !sess.Closed() {
		return sess, false
	}
	sess = newSession(key, s.opts)
	s.sessions[key] = sess
	return sess, true
}

// Get returns the session registered under key.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Remove deletes key from the registry. Removing an absent key is a no-op.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

// RemoveSession deletes sess only if it is still the session registered under
// its key, leaving any replacement created after teardown in place.
func (s *Store) RemoveSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.key]; ok && cur == sess {
		delete(s.sessions, sess.key)
		return true
	}
	return false
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Keys returns the registered keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Range calls fn for a snapshot of the registered sessions, without holding
// the registry lock. Iteration stops when fn returns false.
func (s *Store) Range(fn func(*Session) bool) {
	s.mu.RLock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}
