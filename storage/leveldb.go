package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"liquidatord/position"
)

var (
	keyLastBlock = []byte("meta/last_block")
	posKeyPrefix = []byte("pos/")
)

// LevelDB is a persistent snapshot store using LevelDB. Each position lives
// in its own row so saves only rewrite what changed block to block.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, fmt.Errorf("leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func posKey(key uint64) []byte {
	out := make([]byte, 0, len(posKeyPrefix)+8)
	out = append(out, posKeyPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], key)
	return append(out, buf[:]...)
}

func (l *LevelDB) Load() (*Snapshot, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("leveldb store not initialised")
	}
	meta, err := l.db.Get(keyLastBlock, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	if len(meta) != 8 {
		return nil, fmt.Errorf("snapshot meta is %d bytes, want 8", len(meta))
	}

	snap := NewSnapshot()
	snap.LastBlockIndexed = binary.BigEndian.Uint64(meta)

	iter := l.db.NewIterator(util.BytesPrefix(posKeyPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		rawKey := iter.Key()
		if len(rawKey) != len(posKeyPrefix)+8 {
			return nil, fmt.Errorf("malformed position key %q", rawKey)
		}
		var pos position.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			return nil, fmt.Errorf("parse position row: %w", err)
		}
		snap.Positions[binary.BigEndian.Uint64(rawKey[len(posKeyPrefix):])] = pos
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	return snap, nil
}

func (l *LevelDB) Save(snap *Snapshot) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("leveldb store not initialised")
	}
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}

	batch := new(leveldb.Batch)

	// Drop rows for positions that left the book since the last save.
	iter := l.db.NewIterator(util.BytesPrefix(posKeyPrefix), nil)
	for iter.Next() {
		rawKey := iter.Key()
		if len(rawKey) != len(posKeyPrefix)+8 {
			continue
		}
		key := binary.BigEndian.Uint64(rawKey[len(posKeyPrefix):])
		if _, ok := snap.Positions[key]; !ok {
			batch.Delete(append([]byte(nil), rawKey...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan positions: %w", err)
	}

	for key, pos := range snap.Positions {
		data, err := json.Marshal(pos)
		if err != nil {
			return fmt.Errorf("encode position %d: %w", key, err)
		}
		batch.Put(posKey(key), data)
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], snap.LastBlockIndexed)
	batch.Put(keyLastBlock, meta[:])

	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
