package conversation

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wolfman30/flightdesk-ai/internal/intent"
)

const (
	DefaultMemoryCapacity = 10000
	DefaultMemoryTTL      = 24 * time.Hour
)

// Learned is what the core remembers about a phone between turns apart
// from the persisted session. Losing it only costs classification hints.
type Learned struct {
	Language     string
	LastIntent   intent.Kind
	LastEntities intent.Entities
	Turns        int
}

// InteractionMemory is a bounded, TTL-evicting cache of Learned keyed by
// phone.
type InteractionMemory struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, Learned]
}

func NewInteractionMemory(capacity int, ttl time.Duration) *InteractionMemory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &InteractionMemory{entries: expirable.NewLRU[string, Learned](capacity, nil, ttl)}
}

func (m *InteractionMemory) Get(phone string) (Learned, bool) {
	if m == nil {
		return Learned{}, false
	}
	return m.entries.Get(phone)
}

// Observe folds one classified turn into the phone's entry.
func (m *InteractionMemory) Observe(phone string, in intent.Intent) Learned {
	if m == nil {
		return Learned{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, _ := m.entries.Get(phone)
	if in.Language != "" {
		cur.Language = in.Language
	}
	cur.LastIntent = in.Kind
	cur.LastEntities = in.Entities.Merge(cur.LastEntities)
	cur.Turns++
	m.entries.Add(phone, cur)
	return cur
}

func (m *InteractionMemory) Forget(phone string) {
	if m == nil {
		return
	}
	m.entries.Remove(phone)
}

func (m *InteractionMemory) Len() int {
	if m == nil {
		return 0
	}
	return m.entries.Len()
}

// KeyedLocker hands out one mutex per key and drops it once no goroutine
// holds or waits on it.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (l *KeyedLocker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyedLock{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len is the number of keys currently held or awaited.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
