package storage

import (
	"fmt"
	"strings"
	"sync"

	"liquidatord/position"
)

// Snapshot is the persisted view of the tracked book: every open position
// keyed by its stable identity, plus the last block the indexer finished.
// A restart resumes indexing at LastBlockIndexed+1 instead of replaying
// history from the deployment block.
type Snapshot struct {
	LastBlockIndexed uint64                       `json:"last_block_indexed"`
	Positions        map[uint64]position.Position `json:"positions"`
}

// NewSnapshot returns an empty snapshot ready to be filled.
func NewSnapshot() *Snapshot {
	return &Snapshot{Positions: make(map[uint64]position.Position)}
}

// Backend is a generic interface for snapshot persistence.
// This allows the daemon to use any storage backend (in-memory or persistent).
type Backend interface {
	// Load retrieves the persisted snapshot. A nil snapshot with a nil
	// error indicates no prior state exists.
	Load() (*Snapshot, error)
	Save(*Snapshot) error
	Close() error
}

// Backend kinds accepted by Open.
const (
	KindFile    = "file"
	KindLevelDB = "leveldb"
	KindMemory  = "memory"
)

// Open constructs the backend selected by kind. File and leveldb backends
// require a path.
func Open(kind, path string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindFile:
		return NewFile(path)
	case KindLevelDB:
		return NewLevelDB(path)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage kind %q", kind)
	}
}

func copySnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		LastBlockIndexed: s.LastBlockIndexed,
		Positions:        make(map[uint64]position.Position, len(s.Positions)),
	}
	for key, pos := range s.Positions {
		out.Positions[key] = pos
	}
	return out
}

// --- In-memory backend (for tests) ---

// Memory keeps the snapshot in process memory. It exists for tests and for
// running the daemon stateless on purpose.
type Memory struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load() (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySnapshot(m.snap), nil
}

func (m *Memory) Save(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = copySnapshot(snap)
	return nil
}

// Close satisfies the Backend interface for Memory.
func (m *Memory) Close() error {
	return nil
}
