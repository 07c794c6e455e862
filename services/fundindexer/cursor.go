package fundindexer

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketReceipts = []byte("receipts")
	keyCursor      = []byte("cursor")
)

// CursorStore persists the stream position and the receipts already
// indexed, so a restarted indexer resumes where it left off and redelivered
// events are dropped before they touch the database.
type CursorStore struct {
	db *bbolt.DB
}

// OpenCursorStore opens (or creates) the persistence database.
func OpenCursorStore(path string) (*CursorStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketReceipts); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &CursorStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *CursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Cursor returns the sequence of the last event durably indexed, zero when
// the store is fresh.
func (s *CursorStore) Cursor() (uint64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("cursor store not initialised")
	}
	var cursor uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyCursor)
		if len(raw) == 8 {
			cursor = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cursor, nil
}

// SeenReceipt reports whether the receipt was already committed.
func (s *CursorStore) SeenReceipt(receipt string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("cursor store not initialised")
	}
	trimmed := strings.TrimSpace(receipt)
	if trimmed == "" {
		return false, nil
	}
	var seen bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		seen = tx.Bucket(bucketReceipts).Get([]byte(trimmed)) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return seen, nil
}

// Commit advances the cursor and, when a receipt accompanies the event,
// marks it as indexed in the same transaction.
func (s *CursorStore) Commit(sequence uint64, receipt string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("cursor store not initialised")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		raw := meta.Get(keyCursor)
		// The cursor never moves backwards; replayed events still record
		// their receipt.
		if len(raw) != 8 || binary.BigEndian.Uint64(raw) < sequence {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, sequence)
			if err := meta.Put(keyCursor, buf); err != nil {
				return err
			}
		}
		if trimmed := strings.TrimSpace(receipt); trimmed != "" {
			ts := make([]byte, 8)
			binary.BigEndian.PutUint64(ts, uint64(time.Now().Unix()))
			return tx.Bucket(bucketReceipts).Put([]byte(trimmed), ts)
		}
		return nil
	})
}
