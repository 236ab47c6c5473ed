package kademlia

import (
	"container/list"
	"math/big"
	"time"
)

// maxDepth bounds how many times the bucket covering this node's own id
// may split, per spec §9's "set a hard depth cap (e.g., 160)".
const maxDepth = IDLength * 8

// replacementCap bounds the per-bucket replacement cache (spec §9's open
// question on eviction sequencing): a bounded buffer of contacts that lost
// an eviction race against a live LRU head, promoted if a slot later opens.
const replacementCap = 32

// idSpaceSize is 2^160, the exclusive upper bound of the whole distance
// space; the single initial bucket covers [0, idSpaceSize).
var idSpaceSize = new(big.Int).Lsh(big.NewInt(1), IDLength*8)

func distanceToBig(d Distance) *big.Int {
	return new(big.Int).SetBytes(d[:])
}

// kbucket holds up to k contacts whose distance to this node's id
// falls in [low, high), in least-recently-seen-first order: the front of
// the list is the staleness candidate, the back is most recently observed.
type kbucket struct {
	low, high   *big.Int // inclusive low, exclusive high
	depth       int
	contacts    *list.List // of Contact, front = oldest
	repl        []Contact  // replacement cache, most-recent-last
	lastUpdated time.Time
}

func newKBucket(low, high *big.Int, depth int) *kbucket {
	return &kbucket{
		low:         low,
		high:        high,
		depth:       depth,
		contacts:    list.New(),
		lastUpdated: time.Now(),
	}
}

func rootKBucket() *kbucket {
	return newKBucket(big.NewInt(0), new(big.Int).Set(idSpaceSize), 0)
}

// covers reports whether distance d falls within this bucket's range.
func (b *kbucket) covers(d Distance) bool {
	v := distanceToBig(d)
	return v.Cmp(b.low) >= 0 && v.Cmp(b.high) < 0
}

// len returns the number of live contacts held.
func (b *kbucket) len() int {
	return b.contacts.Len()
}

// full reports whether the bucket is at capacity.
func (b *kbucket) full(k int) bool {
	return b.contacts.Len() >= k
}

// find locates the list element holding id, if present.
func (b *kbucket) find(id NodeID) *list.Element {
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == id {
			return e
		}
	}
	return nil
}

// touch moves an existing contact to the tail (most-recently-seen) and
// refreshes the bucket's timestamp.
func (b *kbucket) touch(e *list.Element) {
	b.contacts.MoveToBack(e)
	b.lastUpdated = time.Now()
}

// insertTail appends a contact as most-recently-seen.
func (b *kbucket) insertTail(c Contact) {
	b.contacts.PushBack(c)
	b.lastUpdated = time.Now()
}

// head returns the least-recently-seen contact (the eviction candidate),
// or false if the bucket is empty.
func (b *kbucket) head() (Contact, bool) {
	e := b.contacts.Front()
	if e == nil {
		return Contact{}, false
	}
	return e.Value.(Contact), true
}

// removeID removes a contact by id, if present.
func (b *kbucket) removeID(id NodeID) {
	if e := b.find(id); e != nil {
		b.contacts.Remove(e)
	}
}

// all returns a snapshot of every contact currently in the bucket.
func (b *kbucket) all() []Contact {
	out := make([]Contact, 0, b.contacts.Len())
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(Contact))
	}
	return out
}

// addReplacement appends to the bounded replacement cache, de-duplicated
// by id, dropping the oldest entry when the cache is full.
func (b *kbucket) addReplacement(c Contact) {
	for i := range b.repl {
		if b.repl[i].ID == c.ID {
			b.repl[i] = c
			return
		}
	}
	if len(b.repl) >= replacementCap {
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:replacementCap-1]
	}
	b.repl = append(b.repl, c)
}

// popReplacement returns and removes the most recently added replacement,
// if any.
func (b *kbucket) popReplacement() (Contact, bool) {
	n := len(b.repl)
	if n == 0 {
		return Contact{}, false
	}
	c := b.repl[n-1]
	b.repl = b.repl[:n-1]
	return c, true
}

// splittable reports whether this bucket may split: it must overlap this
// node's own id range (own distance 0 is always within [low, high) for
// whichever bucket owns it) and the depth cap must not have been reached.
func (b *kbucket) splittable(ownDistance Distance) bool {
	return b.depth < maxDepth && b.covers(ownDistance)
}

// split partitions this bucket's range in half at its midpoint, returning
// the two halves with their contacts redistributed.
func (b *kbucket) split() (lower, upper *kbucket) {
	mid := midpoint(b.low, b.high)
	lower = newKBucket(b.low, mid, b.depth+1)
	upper = newKBucket(mid, b.high, b.depth+1)
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		c := e.Value.(Contact)
		v := distanceToBig(c.distance)
		if v.Cmp(mid) < 0 {
			lower.contacts.PushBack(c)
		} else {
			upper.contacts.PushBack(c)
		}
	}
	for _, c := range b.repl {
		v := distanceToBig(c.distance)
		if v.Cmp(mid) < 0 {
			lower.addReplacement(c)
		} else {
			upper.addReplacement(c)
		}
	}
	return lower, upper
}

// midpoint returns low + (high-low)/2.
func midpoint(low, high *big.Int) *big.Int {
	span := new(big.Int).Sub(high, low)
	half := new(big.Int).Rsh(span, 1)
	return new(big.Int).Add(low, half)
}
