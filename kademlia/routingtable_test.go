package kademlia

import (
	"testing"
)

func newTestContact(id NodeID, port uint16) Contact {
	return NewContact(id, "127.0.0.1", port)
}

func TestRoutingTableObserveAndFind(t *testing.T) {
	me := newTestContact(NewRandomNodeID(), 1)
	rt := NewRoutingTable(me, 5)

	var want []NodeID
	for i := uint16(0); i < 4; i++ {
		c := newTestContact(NewRandomNodeID(), i+2)
		want = append(want, c.ID)
		rt.Observe(c)
	}

	if got := rt.Size(); got != len(want) {
		t.Fatalf("Size() = %d, want %d", got, len(want))
	}
	for _, id := range want {
		if !rt.Contains(id) {
			t.Fatalf("Contains(%s) = false, want true", id)
		}
	}
}

func TestRoutingTableIgnoresSelf(t *testing.T) {
	me := newTestContact(NewRandomNodeID(), 1)
	rt := NewRoutingTable(me, 5)
	rt.Observe(me)
	if rt.Size() != 0 {
		t.Fatalf("Size() = %d, want 0 after observing self", rt.Size())
	}
}

func TestRoutingTableSplitsFullBucket(t *testing.T) {
	me := newTestContact(NewRandomNodeID(), 1)
	rt := NewRoutingTable(me, 2)

	// Force enough contacts into the bucket owning me's own id range that
	// it must split to accommodate them all (spec §4.2, §9 depth cap).
	for i := uint16(0); i < 40; i++ {
		rt.Observe(newTestContact(NewRandomNodeID(), i+2))
	}

	if rt.BucketCount() <= 1 {
		t.Fatalf("BucketCount() = %d, want > 1 after forcing splits", rt.BucketCount())
	}
}

func TestRoutingTableFindNeighborsOrderedByDistance(t *testing.T) {
	target := NewRandomNodeID()
	me := newTestContact(NewRandomNodeID(), 1)
	rt := NewRoutingTable(me, 20)

	for i := uint16(0); i < 10; i++ {
		rt.Observe(newTestContact(NewRandomNodeID(), i+2))
	}

	neighbors := rt.FindNeighbors(target, 5, nil)
	if len(neighbors) != 5 {
		t.Fatalf("FindNeighbors returned %d contacts, want 5", len(neighbors))
	}
	for i := 1; i < len(neighbors); i++ {
		prev := target.DistanceTo(neighbors[i-1].ID)
		cur := target.DistanceTo(neighbors[i].ID)
		if cur.Less(prev) {
			t.Fatalf("neighbors not sorted ascending by distance at index %d", i)
		}
	}
}

func TestRoutingTableFindNeighborsExcludes(t *testing.T) {
	me := newTestContact(NewRandomNodeID(), 1)
	rt := NewRoutingTable(me, 20)

	var first NodeID
	for i := uint16(0); i < 5; i++ {
		c := newTestContact(NewRandomNodeID(), i+2)
		if i == 0 {
			first = c.ID
		}
		rt.Observe(c)
	}

	neighbors := rt.FindNeighbors(NewRandomNodeID(), 20, &first)
	for _, c := range neighbors {
		if c.ID == first {
			t.Fatal("FindNeighbors returned an excluded contact")
		}
	}
}

// topHalfContact returns a contact whose id has its most significant bit
// set. Paired with an all-zero own id (whose self-distance is always
// zero), this guarantees the contact's distance lands in the upper half
// of the space after one split — a bucket that does not cover the own-id
// range and therefore evicts on contention instead of splitting further.
func topHalfContact(port uint16) Contact {
	id := NewRandomNodeID()
	id[0] |= 0x80
	return newTestContact(id, port)
}

func TestRoutingTableEvictsDeadHead(t *testing.T) {
	me := newTestContact(NodeID{}, 1)
	rt := NewRoutingTable(me, 1)
	rt.SetPingFunc(func(Contact) bool { return false })

	head := topHalfContact(2)
	rt.Observe(head)
	if !rt.Contains(head.ID) {
		t.Fatal("expected head contact to be admitted")
	}

	newcomer := topHalfContact(3)
	rt.Observe(newcomer)

	if rt.Contains(head.ID) {
		t.Fatal("expected unresponsive head to be evicted")
	}
	if !rt.Contains(newcomer.ID) {
		t.Fatal("expected newcomer to be admitted after eviction")
	}
}

func TestRoutingTableKeepsLiveHead(t *testing.T) {
	me := newTestContact(NodeID{}, 1)
	rt := NewRoutingTable(me, 1)
	rt.SetPingFunc(func(Contact) bool { return true })

	head := topHalfContact(2)
	rt.Observe(head)

	newcomer := topHalfContact(3)
	rt.Observe(newcomer)

	if !rt.Contains(head.ID) {
		t.Fatal("expected responsive head to be kept")
	}
	if rt.Contains(newcomer.ID) {
		t.Fatal("newcomer should not be admitted while the head is alive")
	}
}
