package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"karmachain/storage"
)

var (
	kvPrefix    = []byte("kv/")
	rolePrefix  = []byte("roles/")
	pausePrefix = []byte("pauses/")
)

// Manager persists module state as RLP-encoded values in the backing
// key-value store and tracks role membership and module pause flags. It is
// the durable authority behind the settlement ledger engine.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager constructs a state manager over the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return reports whether the key
// existed; a nil destination turns the call into a pure existence check.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	m.mu.RLock()
	data, err := m.db.Get(kvKey(key))
	m.mu.RUnlock()
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// HasRole reports whether the address is a member of the role.
func (m *Manager) HasRole(role string, addr []byte) bool {
	key := roleKey(role, addr)
	if key == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ok, err := m.db.Has(key)
	return err == nil && ok
}

// SetRole adds the address to the role.
func (m *Manager) SetRole(role string, addr []byte) error {
	key := roleKey(role, addr)
	if key == nil {
		return fmt.Errorf("state: role and address required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(key, []byte{1})
}

// UnsetRole removes the address from the role.
func (m *Manager) UnsetRole(role string, addr []byte) error {
	key := roleKey(role, addr)
	if key == nil {
		return fmt.Errorf("state: role and address required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Delete(key)
}

// IsPaused reports whether a module is halted. Implements the pause view the
// native guard consults.
func (m *Manager) IsPaused(module string) bool {
	module = strings.TrimSpace(module)
	if module == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ok, err := m.db.Has(pauseKey(module))
	return err == nil && ok
}

// SetPaused toggles the pause flag for a module.
func (m *Manager) SetPaused(module string, paused bool) error {
	module = strings.TrimSpace(module)
	if module == "" {
		return fmt.Errorf("state: module required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if paused {
		return m.db.Put(pauseKey(module), []byte{1})
	}
	return m.db.Delete(pauseKey(module))
}

func kvKey(key []byte) []byte {
	return append(append([]byte(nil), kvPrefix...), key...)
}

func roleKey(role string, addr []byte) []byte {
	role = strings.TrimSpace(role)
	if role == "" || len(addr) == 0 {
		return nil
	}
	return []byte(fmt.Sprintf("%s%s/%x", rolePrefix, role, addr))
}

func pauseKey(module string) []byte {
	return append(append([]byte(nil), pausePrefix...), []byte(module)...)
}
