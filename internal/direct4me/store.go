package direct4me

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nugget/direct4me-bridge/internal/opstate"
)

// Token persistence layout.
const (
	TokenNamespace = "direct4me"
	TokenKey       = "direct4me_token"
	TokenVersion   = 1
)

// TokenRecord is the persisted session record.
type TokenRecord struct {
	AuthToken string `json:"auth_token,omitempty"`
}

// TokenStore persists the session token across restarts. Save replaces
// the stored record; it never merges.
type TokenStore interface {
	Load() (TokenRecord, bool, error)
	Save(TokenRecord) error
}

// StateTokenStore keeps the token record in an [opstate.Store].
type StateTokenStore struct {
	state *opstate.Store
}

// NewStateTokenStore wraps an opstate store.
func NewStateTokenStore(state *opstate.Store) *StateTokenStore {
	return &StateTokenStore{state: state}
}

// Load returns the stored record. found is false when nothing has been
// saved yet. A record written with a newer schema version is an error.
func (s *StateTokenStore) Load() (TokenRecord, bool, error) {
	raw, version, found, err := s.state.GetVersioned(TokenNamespace, TokenKey)
	if err != nil {
		return TokenRecord{}, false, err
	}
	if !found {
		return TokenRecord{}, false, nil
	}
	if version > TokenVersion {
		return TokenRecord{}, false, fmt.Errorf("token record version %d is newer than supported %d", version, TokenVersion)
	}

	var rec TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return TokenRecord{}, false, fmt.Errorf("decode token record: %w", err)
	}
	return rec, true, nil
}

// Save overwrites the stored record.
func (s *StateTokenStore) Save(rec TokenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token record: %w", err)
	}
	return s.state.SetVersioned(TokenNamespace, TokenKey, string(data), TokenVersion)
}

// Clear removes the stored record.
func (s *StateTokenStore) Clear() error {
	return s.state.Delete(TokenNamespace, TokenKey)
}

// MemoryTokenStore is an in-process TokenStore. It counts saves, which
// makes it convenient in tests and for one-shot commands that must not
// touch the database.
type MemoryTokenStore struct {
	mu     sync.Mutex
	rec    TokenRecord
	found  bool
	saves  int
	SaveFn func(TokenRecord) error // optional failure injection
}

// NewMemoryTokenStore returns a store preloaded with rec when found is
// true.
func NewMemoryTokenStore(rec TokenRecord, found bool) *MemoryTokenStore {
	return &MemoryTokenStore{rec: rec, found: found}
}

// Load returns the current record.
func (m *MemoryTokenStore) Load() (TokenRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec, m.found, nil
}

// Save replaces the current record.
func (m *MemoryTokenStore) Save(rec TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveFn != nil {
		if err := m.SaveFn(rec); err != nil {
			return err
		}
	}
	m.rec = rec
	m.found = true
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryTokenStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
