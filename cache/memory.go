package cache

import (
	"context"
	"sync"
	"time"
)

type memSlot struct {
	expires time.Time
	bytes   []byte
}

// MemoryStore keeps entries in a map shared by everything in the process.
// Each slot expires on its own, so an expired entry is simply reported as not found.
// Both slots of a key are written under the same lock.
type MemoryStore struct {
	mutex *sync.RWMutex
	db    map[string]memSlot
	now   func() time.Time
}

var _ Store = MemoryStore{}

func NewMemoryStore() MemoryStore {
	return MemoryStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memSlot),
		now:   time.Now,
	}
}

// get returns the slot bytes if present and not expired.
// The caller must hold the lock.
func (m MemoryStore) get(name string, now time.Time) ([]byte, bool) {
	slot, ok := m.db[name]
	if !ok || !now.Before(slot.expires) {
		return nil, false
	}
	return slot.bytes, true
}

func (m MemoryStore) Exists(_ context.Context, key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	now := m.now()
	_, hasContent := m.get(ContentSlot(key), now)
	_, hasData := m.get(DataSlot(key), now)
	return hasContent && hasData
}

func (m MemoryStore) Read(_ context.Context, key string) (Entry, error) {
	m.mutex.RLock()
	now := m.now()
	content, hasContent := m.get(ContentSlot(key), now)
	data, hasData := m.get(DataSlot(key), now)
	m.mutex.RUnlock()
	if !hasContent || !hasData {
		m.purgeExpired(key, now)
		return Entry{}, ErrNotFound
	}
	return decode(content, data)
}

// purgeExpired lazily removes expired slots of a key.
func (m MemoryStore) purgeExpired(key string, now time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, name := range []string{ContentSlot(key), DataSlot(key)} {
		if slot, ok := m.db[name]; ok && !now.Before(slot.expires) {
			delete(m.db, name)
		}
	}
}

func (m MemoryStore) Write(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	content, data, err := encode(entry, ttl)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	expires := m.now().Add(ttl)
	m.db[ContentSlot(key)] = memSlot{expires, content}
	m.db[DataSlot(key)] = memSlot{expires, data}
	return nil
}

func (m MemoryStore) Delete(_ context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, ContentSlot(key))
	delete(m.db, DataSlot(key))
	return nil
}

// Clear flushes the whole store.
func (m MemoryStore) Clear(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for name := range m.db {
		delete(m.db, name)
	}
	return nil
}

// Len returns the number of stored slots, expired or not.
func (m MemoryStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}
