package historic

import (
	"sync"

	"github.com/corvus-build/pipcache/pkg/fingerprint"
)

// entry is a single Expirable<PublishedEntry> in a weak fingerprint's stack.
type entry struct {
	Strong       fingerprint.StrongFingerprint
	PathSetHash  fingerprint.ContentHash
	MetadataHash fingerprint.ContentHash
	TTL          uint8
}

// stack is a per-weak-fingerprint stack of expirable entries. Push/iterate
// must be atomic with respect to duplicate suppression, so each stack
// carries its own lock rather than relying solely on the outer concurrent
// map (§4.4.7).
type stack struct {
	mu      sync.Mutex
	entries []entry
}

func newStack() *stack {
	return &stack{}
}

// pushFresh pushes a new entry with the given TTL on top. Any existing entry
// with the same (strong, pathSetHash) pair is removed first, so the pair is
// never duplicated and moves to the top of the stack.
func (s *stack) pushFresh(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.entries {
		if existing.Strong == e.Strong && existing.PathSetHash == e.PathSetHash {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.entries = append(s.entries, e)
}

// snapshotTopFirst returns a copy of the stack's entries ordered most
// recently added first.
func (s *stack) snapshotTopFirst() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entry, len(s.entries))
	for i, e := range s.entries {
		out[len(s.entries)-1-i] = e
	}
	return out
}

// pushAscending appends e to the bottom-to-top ordering used while loading
// from the persisted ascending-TTL encoding (§4.4.3 step 4).
func (s *stack) pushAscending(e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}
