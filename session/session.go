// Package session provides the per-connection state holder the schema manager
// and transaction service hang their bookkeeping off. A Session carries typed
// keyed values; a value is visible only to holders of the same Key.
package session

import (
	"sync"
	"sync/atomic"
)

// Key identifies one slot of session state. Create keys with NewKey at
// package init and share the variable between writer and reader.
type Key struct {
	name string
}

func NewKey(name string) Key {
	return Key{name: name}
}

func (k Key) String() string {
	return k.name
}

type Session struct {
	id   uint64
	mu   sync.Mutex
	vals map[Key]interface{}
}

func (s *Session) ID() uint64 {
	return s.id
}

// Get returns the value stored under key, or nil.
func (s *Session) Get(key Key) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vals[key]
}

// Put stores value under key and returns the previous value, if any.
func (s *Session) Put(key Key, value interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.vals[key]
	s.vals[key] = value
	return prev
}

// Remove clears key and returns the removed value, if any.
func (s *Session) Remove(key Key) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.vals[key]
	delete(s.vals, key)
	return prev
}

// Close drops all session state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals = make(map[Key]interface{})
}

// Service issues sessions with process-unique ids.
type Service struct {
	nextID uint64
}

func NewService() *Service {
	return &Service{}
}

func (ss *Service) CreateSession() *Session {
	return &Session{
		id:   atomic.AddUint64(&ss.nextID, 1),
		vals: make(map[Key]interface{}),
	}
}
