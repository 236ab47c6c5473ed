package kademlia

import (
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RoutingTable is an ordered sequence of k-buckets whose ranges partition
// [0, 2^160) of XOR distance from this node's own id. It starts as a
// single bucket spanning the whole space and splits on demand (spec §3,
// §4.2). Its contents are changed only by Observe and MarkDead; everything
// else is a read or a setting.
type RoutingTable struct {
	me   Contact
	k    int
	mu   sync.Mutex
	bkts []*kbucket // kept sorted ascending by range

	// pingFunc probes a bucket-head contact's liveness when a full,
	// non-splittable bucket needs an eviction decision (spec §4.2's
	// "probe the head with PING"). Called outside the table lock.
	pingFunc func(Contact) bool

	refreshInterval time.Duration
}

// NewRoutingTable returns a routing table for node `me` with bucket
// capacity k.
func NewRoutingTable(me Contact, k int) *RoutingTable {
	return &RoutingTable{
		me:              me,
		k:               k,
		bkts:            []*kbucket{rootKBucket()},
		refreshInterval: time.Hour,
	}
}

// SetPingFunc wires the liveness probe used by the eviction policy.
func (rt *RoutingTable) SetPingFunc(pf func(Contact) bool) {
	rt.mu.Lock()
	rt.pingFunc = pf
	rt.mu.Unlock()
}

// SetRefreshInterval overrides the default 1-hour staleness window used by
// GetRefreshIDs (exposed for tests and for config-driven tuning).
func (rt *RoutingTable) SetRefreshInterval(d time.Duration) {
	rt.mu.Lock()
	rt.refreshInterval = d
	rt.mu.Unlock()
}

// bucketFor returns the index of the bucket whose range covers d. Buckets
// are kept sorted by range, so this is a linear scan; with the depth cap
// of 160 there are at most 161 buckets, so never more than 161 comparisons.
func (rt *RoutingTable) bucketFor(d Distance) int {
	for i, b := range rt.bkts {
		if b.covers(d) {
			return i
		}
	}
	return len(rt.bkts) - 1
}

// Observe admits or refreshes contact in the routing table. Called on
// every validly-received RPC (request or response) that carries a known
// peer id and address (spec §4.2).
func (rt *RoutingTable) Observe(contact Contact) {
	if contact.ID == rt.me.ID {
		return // never route to ourselves
	}
	contact = contact.calcDistance(rt.me.ID)

	rt.mu.Lock()
	idx := rt.bucketFor(contact.distance)
	b := rt.bkts[idx]

	if e := b.find(contact.ID); e != nil {
		b.contacts.Remove(e)
		b.insertTail(contact)
		rt.mu.Unlock()
		return
	}

	if !b.full(rt.k) {
		b.insertTail(contact)
		rt.mu.Unlock()
		return
	}

	ownDistance := rt.me.ID.DistanceTo(rt.me.ID)
	if b.splittable(ownDistance) {
		lower, upper := b.split()
		rt.bkts[idx] = lower
		rt.bkts = append(rt.bkts, nil)
		copy(rt.bkts[idx+2:], rt.bkts[idx+1:])
		rt.bkts[idx+1] = upper
		rt.mu.Unlock()
		rt.Observe(contact) // retry the insert against the freshly split buckets
		return
	}

	// Full and not splittable: the head is an eviction candidate. Probe
	// it outside the lock (spec §4.2) and decide admission afterward.
	head, ok := b.head()
	if !ok {
		b.insertTail(contact)
		rt.mu.Unlock()
		return
	}
	pingFunc := rt.pingFunc
	rt.mu.Unlock()

	alive := pingFunc != nil && pingFunc(head)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Re-locate the bucket: a concurrent split may have moved things.
	idx = rt.bucketFor(contact.distance)
	b = rt.bkts[idx]
	if alive {
		// Head answered: keep it, refresh its recency, buffer the
		// newcomer in case a slot opens later.
		if e := b.find(head.ID); e != nil {
			b.touch(e)
		}
		b.addReplacement(contact)
		logrus.WithFields(logrus.Fields{
			"function": "RoutingTable.Observe",
			"bucket":   idx,
			"head":     head.ID.String(),
		}).Debug("bucket head alive, buffering newcomer as replacement")
		return
	}
	b.removeID(head.ID)
	b.insertTail(contact)
	logrus.WithFields(logrus.Fields{
		"function": "RoutingTable.Observe",
		"bucket":   idx,
		"evicted":  head.ID.String(),
		"admitted": contact.ID.String(),
	}).Debug("bucket head unresponsive, evicted")
}

// MarkDead removes id from its bucket, if present, and promotes the most
// recently seen replacement-cache entry into the freed slot. Called when a
// lookup round (spec §4.4 step 2e) observes that a known contact no longer
// responds, so the table doesn't keep routing through it until the next
// passive eviction probe happens to land on it.
func (rt *RoutingTable) MarkDead(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	d := id.DistanceTo(rt.me.ID)
	idx := rt.bucketFor(d)
	b := rt.bkts[idx]
	if b.find(id) == nil {
		return false
	}
	b.removeID(id)
	if repl, ok := b.popReplacement(); ok {
		b.insertTail(repl)
		logrus.WithFields(logrus.Fields{
			"function": "RoutingTable.MarkDead",
			"bucket":   idx,
			"dead":     id.String(),
			"promoted": repl.ID.String(),
		}).Debug("dead contact replaced from cache")
	}
	return true
}

// Contains reports whether id is currently held in some bucket.
func (rt *RoutingTable) Contains(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	d := id.DistanceTo(rt.me.ID)
	idx := rt.bucketFor(d)
	return rt.bkts[idx].find(id) != nil
}

// FindNeighbors returns up to count contacts sorted by ascending distance
// to target, drawn from every bucket (spec §4.2); exclude, if non-nil, is
// omitted from the result.
func (rt *RoutingTable) FindNeighbors(target NodeID, count int, exclude *NodeID) []Contact {
	rt.mu.Lock()
	var all []Contact
	for _, b := range rt.bkts {
		all = append(all, b.all()...)
	}
	rt.mu.Unlock()

	out := sortContactsByDistance(all, target)
	if exclude != nil {
		filtered := out[:0]
		for _, c := range out {
			if c.ID != *exclude {
				filtered = append(filtered, c)
			}
		}
		out = filtered
	}
	if count > len(out) {
		count = len(out)
	}
	return out[:count]
}

// Size returns the total number of contacts held across every bucket.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.bkts {
		n += b.len()
	}
	return n
}

// BucketCount returns the number of buckets currently in the table.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.bkts)
}

// refreshTarget pairs a bucket index with a random id in its range.
// GetRefreshIDs returns the ids alone, not this type.
type refreshTarget struct {
	BucketIndex int
	Target      NodeID
}

// GetRefreshIDs returns, for every bucket not touched within the refresh
// interval, a random id within that bucket's range (spec §4.2); these
// seed the periodic table-refresh lookups in server.go.
func (rt *RoutingTable) GetRefreshIDs() []NodeID {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := time.Now()
	ids := make([]NodeID, 0, len(rt.bkts))
	for _, b := range rt.bkts {
		if now.Sub(b.lastUpdated) < rt.refreshInterval {
			continue
		}
		ids = append(ids, randomIDInRange(b.low, b.high, rt.me.ID))
	}
	return ids
}

// randomIDInRange picks a uniformly random distance in [low, high) and
// converts it back to a NodeID by XORing with own, since distance = id XOR
// own is self-inverse.
func randomIDInRange(low, high *big.Int, own NodeID) NodeID {
	span := new(big.Int).Sub(high, low)
	if span.Sign() <= 0 {
		span = big.NewInt(1)
	}
	offset := new(big.Int).Rand(rand.New(rand.NewSource(time.Now().UnixNano())), span)
	d := new(big.Int).Add(low, offset)

	db := d.Bytes()
	var dist Distance
	copy(dist[IDLength-len(db):], db)

	var id NodeID
	for i := 0; i < IDLength; i++ {
		id[i] = dist[i] ^ own[i]
	}
	return id
}

// sortedCopy returns a copy of the bucket list sorted by range, for
// inspecting partition invariants; no caller in the package uses it.
func (rt *RoutingTable) sortedCopy() []*kbucket {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*kbucket, len(rt.bkts))
	copy(out, rt.bkts)
	sort.Slice(out, func(i, j int) bool { return out[i].low.Cmp(out[j].low) < 0 })
	return out
}
