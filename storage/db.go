package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrKeyNotFound is returned by Get when the key has never been written.
// Both backends normalise their native miss signal to this error so callers
// can test with errors.Is regardless of the configured backend.
var ErrKeyNotFound = errors.New("storage: key not found")

// Database is a generic interface for a key-value store.
// This allows the ledger to use any database backend (in-memory or persistent).
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Close() // A way to gracefully shut down the database connection.
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	db.data[string(key)] = buf
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	// Nothing to close for an in-memory database.
}

// --- Persistent DB (for deployments) ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Put inserts or updates a key-value pair.
func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.db.Close()
}
