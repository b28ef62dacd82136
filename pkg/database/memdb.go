package database

import "sync"

// MemStore is the in-memory credential backend, used for development
// and tests. Passwords are held verbatim; production deployments use
// the SQLite backend.
type MemStore struct {
	mu     sync.RWMutex
	logins map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{logins: make(map[string]string)}
}

// NewSeededMemStore creates a store pre-populated with the given
// login→password pairs.
func NewSeededMemStore(seed map[string]string) *MemStore {
	store := NewMemStore()
	for login, pass := range seed {
		store.logins[login] = pass
	}
	return store
}

func (s *MemStore) LoginExists(login string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logins[login]
	return ok, nil
}

func (s *MemStore) ValidateLoginPass(login, password string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.logins[login]
	return ok && stored == password, nil
}

func (s *MemStore) AddUser(login, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logins[login]; ok {
		return ErrUserExists
	}
	s.logins[login] = password
	return nil
}

func (s *MemStore) Close() error { return nil }
