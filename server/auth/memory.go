package auth

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is a Store that lives and dies with the process.
type MemoryStore struct {
	users *xsync.MapOf[string, string]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: xsync.NewMapOf[string, string]()}
}

func (m *MemoryStore) Lookup(_ context.Context, name string) (string, error) {
	p, ok := m.users.Load(name)
	if !ok {
		return "", ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Insert(_ context.Context, name, password string) error {
	if _, loaded := m.users.LoadOrStore(name, password); loaded {
		return ErrDuplicate
	}
	return nil
}

func (m *MemoryStore) List(context.Context) (map[string]string, error) {
	out := make(map[string]string, m.users.Size())
	m.users.Range(func(k, v string) bool {
		out[k] = v
		return true
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
