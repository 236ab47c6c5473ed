package kademlia

// spider.go: the α-parallel iterative lookup engine (spec §4.4). NodeSpider
// and ValueSpider share the round skeleton below; they differ only in
// which RPC they issue and how they interpret a hit.

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kadlib/kadnode/metrics"
)

// roundResult is what dispatching one RPC in a round yields.
type roundResult struct {
	peer     Contact
	success  bool
	contacts []Contact
	value    []byte
	hasValue bool
}

// spider holds the shared state and skeleton of an iterative lookup:
// shortlist, contacted set, and the round loop of spec §4.4.
type spider struct {
	proto  *Protocol
	target NodeID
	k      int
	alpha  int
	log    *logrus.Entry

	metrics *metrics.Collector

	mu              sync.Mutex
	known           map[NodeID]Contact // every contact discovered so far, address-bearing
	contacted       map[NodeID]bool
	contactedOrder  []NodeID // preserves dispatch order for stable tie-breaks
	dead            map[NodeID]bool
	responded       map[NodeID]bool // contacts that answered an RPC issued by this spider
}

func newSpider(proto *Protocol, target NodeID, k, alpha int, m *metrics.Collector, kind string) *spider {
	return &spider{
		proto:     proto,
		target:    target,
		k:         k,
		alpha:     alpha,
		metrics:   m,
		log:       logrus.WithFields(logrus.Fields{"component": "spider", "kind": kind, "lookup_id": uuid.NewString(), "target": target.String()}),
		known:     make(map[NodeID]Contact),
		contacted: make(map[NodeID]bool),
		dead:      make(map[NodeID]bool),
		responded: make(map[NodeID]bool),
	}
}

// seed adds the initial contacts the caller supplies (spec §4.4 step 1),
// deduplicated by id.
func (s *spider) seed(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if !c.HasAddress() {
			continue
		}
		s.known[c.ID] = c
	}
}

// liveSorted returns every non-dead known contact sorted by ascending
// distance to the target.
func (s *spider) liveSorted() []Contact {
	all := make([]Contact, 0, len(s.known))
	for id, c := range s.known {
		if s.dead[id] {
			continue
		}
		all = append(all, c)
	}
	return sortContactsByDistance(all, s.target)
}

// nextBatch selects up to alpha uncontacted entries from the closest k
// known-live candidates (spec §4.4 step 2a and the "safety bound").
func (s *spider) nextBatch() []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := s.liveSorted()
	if len(sorted) > s.k {
		sorted = sorted[:s.k]
	}
	batch := make([]Contact, 0, s.alpha)
	for _, c := range sorted {
		if len(batch) >= s.alpha {
			break
		}
		if s.contacted[c.ID] {
			continue
		}
		batch = append(batch, c)
	}
	for _, c := range batch {
		s.contacted[c.ID] = true
		s.contactedOrder = append(s.contactedOrder, c.ID)
	}
	return batch
}

// merge folds newly-discovered contacts into the known set.
func (s *spider) merge(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if !c.HasAddress() {
			continue
		}
		if _, exists := s.known[c.ID]; !exists {
			s.known[c.ID] = c
		}
	}
}

// markDead drops a non-responding peer from the shortlist permanently
// (spec §4.4 step 2e): it is excluded from all future rounds and from the
// final result.
func (s *spider) markDead(id NodeID) {
	s.mu.Lock()
	s.dead[id] = true
	s.mu.Unlock()
	if s.proto.rt.MarkDead(id) {
		s.log.WithField("peer", id.String()).Debug("lookup RPC failed, evicted from routing table")
	}
}

// bestDistance returns the distance of the current closest known-live
// contact to the target, used for the natural-termination check.
func (s *spider) bestDistance() (Distance, bool) {
	sorted := s.liveSorted()
	if len(sorted) == 0 {
		return Distance{}, false
	}
	return s.target.DistanceTo(sorted[0].ID), true
}

// closestLive returns up to n closest non-dead known contacts.
func (s *spider) closestLive(n int) []Contact {
	sorted := s.liveSorted()
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// markResponded records that peer answered an RPC this spider issued.
func (s *spider) markResponded(id NodeID) {
	s.mu.Lock()
	s.responded[id] = true
	s.mu.Unlock()
}

// closestResponded returns up to n closest known contacts that have
// themselves answered an RPC in this lookup (spec §4.4: "k closest
// successfully-responding contacts"), excluding contacts that were only
// ever merged in from someone else's reply and never queried.
func (s *spider) closestResponded(n int) []Contact {
	s.mu.Lock()
	all := make([]Contact, 0, len(s.responded))
	for id := range s.responded {
		if c, ok := s.known[id]; ok {
			all = append(all, c)
		}
	}
	s.mu.Unlock()

	sorted := sortContactsByDistance(all, s.target)
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// dispatchRound issues rpc against every contact in batch concurrently,
// using an errgroup as the round's synchronization barrier (spec §4.4
// step 2c: "the next α is chosen only after all in-flight complete").
func dispatchRound(ctx context.Context, batch []Contact, rpc func(ctx context.Context, peer Contact) roundResult) []roundResult {
	results := make([]roundResult, len(batch))
	var g errgroup.Group
	for i, peer := range batch {
		i, peer := i, peer
		g.Go(func() error {
			results[i] = rpc(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// run drives the common round loop, calling rpc for each dispatched peer
// and inspectHit after each round's results are in. inspectHit returns
// true to request the loop terminate immediately after this round.
func (s *spider) run(ctx context.Context, rpc func(ctx context.Context, peer Contact) roundResult, inspectHit func([]roundResult) bool) {
	var lastBest Distance
	haveLastBest := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := s.nextBatch()
		if len(batch) == 0 {
			return // natural termination: nothing left to query
		}
		s.log.WithField("round_size", len(batch)).Debug("dispatching lookup round")

		results := dispatchRound(ctx, batch, rpc)

		for _, r := range results {
			if r.success {
				s.markResponded(r.peer.ID)
				s.merge(r.contacts)
			} else {
				s.markDead(r.peer.ID)
			}
		}

		if inspectHit != nil && inspectHit(results) {
			return
		}

		best, ok := s.bestDistance()
		if !ok {
			return
		}
		if haveLastBest && !best.Less(lastBest) && len(batch) == s.alpha {
			return // stable round: closest seen did not improve
		}
		lastBest = best
		haveLastBest = true
	}
}

// NodeSpider performs an iterative closest-node search (spec §4.4).
type NodeSpider struct {
	s *spider
}

// NewNodeSpider constructs a NodeSpider targeting target, seeded from
// seeds.
func NewNodeSpider(proto *Protocol, target NodeID, seeds []Contact, k, alpha int, m *metrics.Collector) *NodeSpider {
	s := newSpider(proto, target, k, alpha, m, "node")
	s.seed(seeds)
	return &NodeSpider{s: s}
}

// Find runs the lookup to completion and returns the k closest
// successfully-responding contacts to the target.
func (ns *NodeSpider) Find(ctx context.Context) []Contact {
	start := time.Now()
	ns.s.run(ctx, func(ctx context.Context, peer Contact) roundResult {
		contacts, ok := ns.s.proto.FindNode(ctx, peer, ns.s.target)
		return roundResult{peer: peer, success: ok, contacts: contacts}
	}, nil)
	ns.s.metrics.LookupDuration("node", time.Since(start))
	return ns.s.closestResponded(ns.s.k)
}

// ValueSpider performs an iterative FIND_VALUE search that terminates
// early on the first hit and opportunistically caches the value along the
// lookup path (spec §4.4).
type ValueSpider struct {
	s *spider
}

// NewValueSpider constructs a ValueSpider targeting key, seeded from
// seeds.
func NewValueSpider(proto *Protocol, key NodeID, seeds []Contact, k, alpha int, m *metrics.Collector) *ValueSpider {
	s := newSpider(proto, key, k, alpha, m, "value")
	s.seed(seeds)
	return &ValueSpider{s: s}
}

// Find runs the lookup to completion. It returns the value and true on a
// hit, or (nil, false) if no node in the network holds the key.
func (vs *ValueSpider) Find(ctx context.Context) ([]byte, bool) {
	start := time.Now()
	var hitValue []byte
	var hitFrom NodeID
	found := false

	vs.s.run(ctx, func(ctx context.Context, peer Contact) roundResult {
		value, contacts, hit, ok := vs.s.proto.FindValue(ctx, peer, vs.s.target)
		return roundResult{peer: peer, success: ok, contacts: contacts, value: value, hasValue: hit}
	}, func(results []roundResult) bool {
		for _, r := range results {
			if r.hasValue {
				hitValue = r.value
				hitFrom = r.peer.ID
				found = true
				return true
			}
		}
		return false
	})

	vs.s.metrics.LookupDuration("value", time.Since(start))

	if found {
		vs.cacheAlongPath(ctx, hitFrom, hitValue)
		return hitValue, true
	}
	return nil, false
}

// cacheAlongPath issues a single STORE to the closest contacted node that
// did not return the value (spec §4.4, §9's resolved open question: when
// several qualify, the single closest is the natural reading).
func (vs *ValueSpider) cacheAlongPath(ctx context.Context, responder NodeID, value []byte) {
	vs.s.mu.Lock()
	var candidates []Contact
	for _, id := range vs.s.contactedOrder {
		if id == responder {
			continue
		}
		if c, ok := vs.s.known[id]; ok {
			candidates = append(candidates, c)
		}
	}
	vs.s.mu.Unlock()

	if len(candidates) == 0 {
		return
	}
	sorted := sortContactsByDistance(candidates, vs.s.target)
	vs.s.proto.StoreRPC(ctx, sorted[0], vs.s.target, value)
}
