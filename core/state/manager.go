package state

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"fundvault/core/types"
	"fundvault/storage"
)

// Manager mediates every read and write of ledger state. Writes accumulate in
// an in-memory overlay until Commit flushes them to the backing store in one
// pass; Discard drops the overlay with the store untouched. The node runs one
// operation per overlay cycle, which keeps failed operations invisible.
type Manager struct {
	db      storage.Database
	overlay map[string][]byte
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		overlay: make(map[string][]byte),
	}
}

var accountPrefix = []byte("accounts/")

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return buf
}

func (m *Manager) read(key []byte) ([]byte, bool, error) {
	if data, ok := m.overlay[string(key)]; ok {
		return data, true, nil
	}
	data, err := m.db.Get(key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (m *Manager) write(key, value []byte) {
	m.overlay[string(key)] = value
}

// Commit flushes the overlay to the backing store. Keys are written in sorted
// order so replays of the same operation touch the store identically.
func (m *Manager) Commit() error {
	if m == nil {
		return fmt.Errorf("state: manager not initialised")
	}
	if len(m.overlay) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.overlay))
	for k := range m.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.db.Put([]byte(k), m.overlay[k]); err != nil {
			return fmt.Errorf("state: commit %q: %w", k, err)
		}
	}
	m.overlay = make(map[string][]byte)
	return nil
}

// Discard drops all uncommitted writes.
func (m *Manager) Discard() {
	if m == nil {
		return
	}
	m.overlay = make(map[string][]byte)
}

// Dirty reports whether the overlay holds uncommitted writes.
func (m *Manager) Dirty() bool {
	return m != nil && len(m.overlay) > 0
}

// GetAccount reconstructs the account stored under the provided address. A
// missing account is returned as a fresh zero-balance record, never nil.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	data, ok, err := m.read(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(), nil
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	account.EnsureDefaults()
	return account, nil
}

// PutAccount persists the provided account under the address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	account.EnsureDefaults()
	encoded, err := rlp.EncodeToBytes(account)
	if err != nil {
		return fmt.Errorf("state: encode account: %w", err)
	}
	m.write(accountKey(addr), encoded)
	return nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.write(key, encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.read(key)
	if err != nil {
		return false, err
	}
	if !ok || len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends the provided value to the RLP-encoded byte slice list
// stored under the supplied key. Duplicates are preserved: the roster records
// one entry per accepted contribution, not one per contributor.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.read(key)
	if err != nil {
		return err
	}
	var list [][]byte
	if ok && len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	m.write(key, encoded)
	return nil
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := m.read(key)
	if err != nil {
		return err
	}
	if !ok || len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
