package session

import (
	"context"
	"sync"
	"time"
)

// Backend 是带过期时间的键值存储，会话记录以整体 JSON 的形式保存。
type Backend interface {
	// Get 返回键对应的值；键不存在或已过期时 ok 为 false。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	// RefreshExpiry 重置过期时间，键不存在时返回 false。
	RefreshExpiry(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend 是进程内实现，适合测试与单实例部署。
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// MemoryOption 定义 MemoryBackend 的可选配置。
type MemoryOption func(*MemoryBackend)

// WithClock 替换时钟，测试过期逻辑时使用。
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryBackend 创建内存后端。
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{entries: make(map[string]memoryEntry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Get 实现 Backend 接口，过期条目在读取时清理。
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.expired(entry) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// SetWithExpiry 实现 Backend 接口。
func (m *MemoryBackend) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Delete 实现 Backend 接口。
func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	delete(m.entries, key)
	return !m.expired(entry), nil
}

// RefreshExpiry 实现 Backend 接口。
func (m *MemoryBackend) RefreshExpiry(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || m.expired(entry) {
		delete(m.entries, key)
		return false, nil
	}
	entry.expiresAt = time.Time{}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return true, nil
}

func (m *MemoryBackend) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt)
}

var _ Backend = (*MemoryBackend)(nil)
