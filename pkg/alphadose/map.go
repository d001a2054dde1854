// Package alphadose wraps github.com/alphadose/haxmap's lock-free
// concurrent hash map with the generic Map/Set shapes the cache and
// materialization components are built against, so call sites read in terms
// of the domain (weak fingerprints, artifacts, content hashes) rather than
// the underlying map library.
package alphadose

import "github.com/alphadose/haxmap"

// Map is a concurrent map safe for multi-reader/multi-writer use without
// external locking (§4.4.7, §5).
type Map[K comparable, V any] struct {
	inner *haxmap.HashMap[K, V]
}

// NewMap creates an empty concurrent map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{inner: haxmap.New[K, V]()}
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.inner.Get(key)
}

func (m *Map[K, V]) Set(key K, value V) {
	m.inner.Set(key, value)
}

func (m *Map[K, V]) Delete(key K) {
	m.inner.Del(key)
}

func (m *Map[K, V]) Len() int {
	return int(m.inner.Len())
}

// ForEach visits every entry. fn should return false to stop iteration early.
func (m *Map[K, V]) ForEach(fn func(K, V) bool) {
	m.inner.ForEach(fn)
}

// Set is a concurrent set, implemented atop Map[K, struct{}].
type Set[K comparable] struct {
	inner *Map[K, struct{}]
}

// NewSet creates an empty concurrent set.
func NewSet[K comparable]() *Set[K] {
	return &Set[K]{inner: NewMap[K, struct{}]()}
}

func (s *Set[K]) Add(key K) {
	s.inner.Set(key, struct{}{})
}

func (s *Set[K]) Contains(key K) bool {
	_, ok := s.inner.Get(key)
	return ok
}

func (s *Set[K]) Delete(key K) {
	s.inner.Delete(key)
}

func (s *Set[K]) Len() int {
	return s.inner.Len()
}

// ForEach visits every member. fn should return false to stop iteration early.
func (s *Set[K]) ForEach(fn func(K) bool) {
	s.inner.ForEach(func(k K, _ struct{}) bool { return fn(k) })
}

// Clear removes every member, used when a session's tracking sets (e.g.
// existingContentEntries) must be rebuilt from scratch on the next load.
func (s *Set[K]) Clear() {
	var toRemove []K
	s.inner.ForEach(func(k K, _ struct{}) bool {
		toRemove = append(toRemove, k)
		return true
	})
	for _, k := range toRemove {
		s.inner.Delete(k)
	}
}
