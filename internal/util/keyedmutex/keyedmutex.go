// Package keyedmutex provides one mutex per key, created on demand and
// released when no goroutine holds or waits for it.
package keyedmutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Mutex serializes work per key while letting distinct keys proceed in parallel.
type Mutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// Lock acquires the mutex for key and returns the function that releases it.
func (m *Mutex[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[K]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Mutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
