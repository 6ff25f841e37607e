package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore はプロセス内のLRUにセッションを保持する。
// 容量を超えた場合は最も古く参照されたセッションから破棄される。
type MemoryStore struct {
	cache *expirable.LRU[string, *Session]
	now   func() time.Time
}

// NewMemoryStore は新しいMemoryStoreを生成する。
// ttlはLRUから掃除されるまでの上限で、個々のセッションの期限はExpiresAtで判定する。
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[string, *Session](capacity, nil, ttl),
		now:   time.Now,
	}
}

// Save はStoreを実装する。
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	cp := *s
	m.cache.Add(s.ID, &cp)
	return nil
}

// Get はStoreを実装する。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(m.now()) {
		m.cache.Remove(id)
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Delete はStoreを実装する。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Remove(id)
	return nil
}
