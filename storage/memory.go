// Package storage provides the Store backends kademlia.Store is wired to
// (spec §6): an in-memory default and a durable Pebble-backed one. Neither
// type imports the kademlia package's Store interface directly — they
// satisfy it structurally, so kademlia never imports storage (spec §3's
// "storage is an external collaborator").
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/kadlib/kadnode/kademlia"
)

type memoryEntry struct {
	value   []byte
	storedAt time.Time
}

// Memory is a map-backed Store, the default when no durable backend is
// configured. It never expires entries on its own; eviction, if any, is
// the caller's concern (spec §3: "the core assumes entries may silently
// disappear").
type Memory struct {
	mu      sync.RWMutex
	entries map[kademlia.NodeID]memoryEntry
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[kademlia.NodeID]memoryEntry)}
}

// Get returns the value for digest, if present.
func (m *Memory) Get(ctx context.Context, digest kademlia.NodeID) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[digest]
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put inserts or overwrites the value for digest.
func (m *Memory) Put(ctx context.Context, digest kademlia.NodeID, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[digest] = memoryEntry{value: value, storedAt: time.Now()}
	return nil
}

// IterOlderThan returns every entry stored at least d ago; d == 0
// enumerates the whole store.
func (m *Memory) IterOlderThan(ctx context.Context, d time.Duration) ([]kademlia.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []kademlia.Entry
	for digest, e := range m.entries {
		if d > 0 && now.Sub(e.storedAt) < d {
			continue
		}
		out = append(out, kademlia.Entry{Digest: digest, Value: e.value})
	}
	return out, nil
}

// Len returns the number of entries currently held, for metrics gauges.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
