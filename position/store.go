package position

import "sync"

const shardCount = 16

type entry struct {
	mu  sync.Mutex
	pos *Position
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint64]*entry
}

// Store is a sharded concurrent map from position key to Position. Locking
// is entry-level: mutating one position never blocks sweeps over others.
// The supported profile is one writer on the ingestion path plus one
// reader/writer on the sweep path; updates are idempotent re-reads of
// chain state, so last-writer-wins per key is acceptable.
type Store struct {
	shards [shardCount]*shard
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[uint64]*entry)}
	}
	return s
}

func (s *Store) shardFor(key uint64) *shard {
	return s.shards[key%shardCount]
}

// Upsert inserts or replaces the position under its derived key, returning
// the previous value when one was replaced. The stored value is a copy;
// callers keep ownership of p.
func (s *Store) Upsert(p *Position) (prev *Position, replaced bool) {
	if p == nil {
		return nil, false
	}
	key := p.Key()
	sh := s.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		sh.entries[key] = &entry{pos: p.Clone()}
		sh.mu.Unlock()
		return nil, false
	}
	sh.mu.Unlock()

	e.mu.Lock()
	prev = e.pos
	e.pos = p.Clone()
	e.mu.Unlock()
	return prev, true
}

// Get returns a copy of the position under key.
func (s *Store) Get(key uint64) (*Position, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	cp := e.pos.Clone()
	e.mu.Unlock()
	return cp, true
}

// Update runs fn against the live entry under its lock. It reports whether
// the key was present. fn must not block on I/O.
func (s *Store) Update(key uint64, fn func(*Position)) bool {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	fn(e.pos)
	e.mu.Unlock()
	return true
}

// Delete removes the key. An updater holding the entry concurrently
// finishes against the orphaned value, which the map no longer references.
func (s *Store) Delete(key uint64) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// Len reports the number of tracked positions.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// IsEmpty reports whether no positions are tracked.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Range visits every entry under its lock until fn returns false. fn must
// not block on I/O; snapshot first when network calls are needed.
func (s *Store) Range(fn func(key uint64, p *Position) bool) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		keys := make([]uint64, 0, len(sh.entries))
		entries := make([]*entry, 0, len(sh.entries))
		for k, e := range sh.entries {
			keys = append(keys, k)
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for i, e := range entries {
			e.mu.Lock()
			cont := fn(keys[i], e.pos)
			e.mu.Unlock()
			if !cont {
				return
			}
		}
	}
}

// Snapshot returns a deep copy of the current contents, suitable for
// persistence or for lock-free candidate evaluation.
func (s *Store) Snapshot() map[uint64]Position {
	out := make(map[uint64]Position, s.Len())
	s.Range(func(key uint64, p *Position) bool {
		out[key] = *p
		return true
	})
	return out
}

// Restore replaces the store contents from a persisted snapshot.
func (s *Store) Restore(positions map[uint64]Position) {
	for key, p := range positions {
		cp := p
		sh := s.shardFor(key)
		sh.mu.Lock()
		sh.entries[key] = &entry{pos: &cp}
		sh.mu.Unlock()
	}
}
