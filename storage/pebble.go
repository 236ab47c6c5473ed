package storage

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/cockroachdb/pebble"

	"github.com/kadlib/kadnode/kademlia"
)

// pebbleRecord is the envelope persisted per key: the value bytes plus the
// timestamp IterOlderThan filters on.
type pebbleRecord struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Pebble is a kademlia.Store backed by a cockroachdb/pebble LSM tree, for
// deployments that need entries to survive a restart or hold more data
// than comfortably fits in memory (spec §6's "pluggable storage
// collaborator", [ADDED]).
type Pebble struct {
	db *pebble.DB
}

// OpenPebble opens (creating if necessary) a Pebble store at dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store at %s: %w", dir, err)
	}
	return &Pebble{db: db}, nil
}

// Close releases the underlying database handle.
func (p *Pebble) Close() error {
	return p.db.Close()
}

func pebbleKey(digest kademlia.NodeID) []byte {
	return digest[:]
}

// Get returns the value for digest, if present.
func (p *Pebble) Get(ctx context.Context, digest kademlia.NodeID) ([]byte, bool, error) {
	b, closer, err := p.db.Get(pebbleKey(digest))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	var rec pebbleRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("decode pebble record: %w", err)
	}
	return rec.Value, true, nil
}

// Put inserts or overwrites the value for digest.
func (p *Pebble) Put(ctx context.Context, digest kademlia.NodeID, value []byte) error {
	rec := pebbleRecord{Value: value, StoredAt: time.Now()}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pebble record: %w", err)
	}
	if err := p.db.Set(pebbleKey(digest), b, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

// IterOlderThan returns every entry stored at least d ago; d == 0
// enumerates the whole store.
func (p *Pebble) IterOlderThan(ctx context.Context, d time.Duration) ([]kademlia.Entry, error) {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()

	now := time.Now()
	var out []kademlia.Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if d > 0 && now.Sub(rec.StoredAt) < d {
			continue
		}
		var digest kademlia.NodeID
		copy(digest[:], iter.Key())
		out = append(out, kademlia.Entry{Digest: digest, Value: rec.Value})
	}
	return out, iter.Error()
}
