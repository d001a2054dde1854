package future

import (
	"sync"

	"github.com/alphadose/haxmap"
)

// Outcome distinguishes whether a caller to Reserve won the race to produce
// a result or merely observed one already in flight.
type Outcome int

const (
	// Reserved means the caller is responsible for producing a result by
	// eventually calling Complete on the returned Completion.
	Reserved Outcome = iota
	// Observed means another caller already holds the reservation; the
	// caller should simply Wait on the returned Completion.
	Observed
)

// Reserver implements the try_reserve_completion pattern (§4.7.1, §9): a
// concurrent map of one-shot completions keyed by artifact identity, with
// compare-and-insert semantics. The map itself (haxmap.HashMap) supports
// lock-free concurrent reads; a narrow mutex serializes the insert-if-absent
// step so that exactly one reservation wins per key.
type Reserver[K comparable, V any] struct {
	entries    *haxmap.HashMap[K, *Completion[V]]
	insertLock sync.Mutex
}

// NewReserver creates an empty reservation map.
func NewReserver[K comparable, V any]() *Reserver[K, V] {
	return &Reserver[K, V]{entries: haxmap.New[K, *Completion[V]]()}
}

// Reserve implements try_reserve_completion: it returns the existing
// completion for key if one is already registered (Observed), or inserts
// and returns a fresh one that the caller must eventually Complete
// (Reserved).
func (r *Reserver[K, V]) Reserve(key K) (*Completion[V], Outcome) {
	if existing, ok := r.entries.Get(key); ok {
		return existing, Observed
	}

	r.insertLock.Lock()
	defer r.insertLock.Unlock()

	if existing, ok := r.entries.Get(key); ok {
		return existing, Observed
	}

	completion := NewCompletion[V]()
	r.entries.Set(key, completion)
	return completion, Reserved
}

// Lookup returns the completion registered for key, if any, without
// reserving a new one.
func (r *Reserver[K, V]) Lookup(key K) (*Completion[V], bool) {
	return r.entries.Get(key)
}

// Forget removes the entry for key, allowing a future reservation for the
// same key to start fresh (used once a materialization's result no longer
// needs to be cached for later rewrite-count waiters).
func (r *Reserver[K, V]) Forget(key K) {
	r.entries.Del(key)
}

// Len returns the number of currently tracked reservations.
func (r *Reserver[K, V]) Len() int {
	return int(r.entries.Len())
}
