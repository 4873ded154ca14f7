package locks

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// SubscriptionLocker serializes billing work per subscription. TryLock
// returns a release token; a held lock means another worker is charging
// the same subscription right now.
type SubscriptionLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// KeyedMutex is the in-process locker used when no redis address is
// configured and by tests. TTL is ignored: the lock lives until Release.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]string
	seq  uint64
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]string)}
}

func (m *KeyedMutex) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.held[key]; taken {
		return "", false, nil
	}
	m.seq++
	token := key + ":" + strconv.FormatUint(m.seq, 10)
	m.held[key] = token
	return token, true, nil
}

func (m *KeyedMutex) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, taken := m.held[key]; taken && current == token {
		delete(m.held, key)
	}
	return nil
}
