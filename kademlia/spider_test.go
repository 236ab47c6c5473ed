package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/kadlib/kadnode/metrics"
)

// joinedProtocols wires n Protocols together, every node pinging every
// other, so a lookup seeded from node 0 can reach the whole ring.
func joinedProtocols(t *testing.T, n, k int) []*Protocol {
	t.Helper()
	protos := make([]*Protocol, n)
	var contacts []Contact
	for i := 0; i < n; i++ {
		p, _, _, self := newTestProtocol(t, k, false)
		protos[i] = p
		contacts = append(contacts, self)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			protos[i].Ping(ctx, contacts[j])
		}
	}
	return protos
}

func TestNodeSpiderFindsKnownContacts(t *testing.T) {
	protos := joinedProtocols(t, 6, 20)
	ctx := context.Background()

	target := NewRandomNodeID()
	seeds := protos[0].rt.FindNeighbors(target, 3, nil)
	if len(seeds) == 0 {
		t.Fatal("expected seed contacts from node 0's routing table")
	}

	ns := NewNodeSpider(protos[0], target, seeds, 20, 3, metrics.New())
	result := ns.Find(ctx)
	if len(result) == 0 {
		t.Fatal("NodeSpider.Find returned no contacts")
	}
	if len(result) > 20 {
		t.Fatalf("NodeSpider.Find returned %d contacts, exceeding k=20", len(result))
	}
}

func TestValueSpiderFindsStoredValue(t *testing.T) {
	protos := joinedProtocols(t, 5, 20)
	ctx := context.Background()

	key := Digest([]byte("spider-key"))
	// Seed the value directly into node 1's backing store, then look it
	// up starting from node 0.
	if err := protos[1].store.Put(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("setup: failed to seed value: %v", err)
	}

	seeds := protos[0].rt.FindNeighbors(key, 3, nil)
	vs := NewValueSpider(protos[0], key, seeds, 20, 3, metrics.New())
	value, found := vs.Find(ctx)
	if !found {
		t.Fatal("ValueSpider.Find did not find a value stored on a reachable peer")
	}
	if string(value) != "payload" {
		t.Fatalf("ValueSpider.Find returned %q, want %q", value, "payload")
	}
}

func TestValueSpiderReportsNotFound(t *testing.T) {
	protos := joinedProtocols(t, 4, 20)
	ctx := context.Background()

	key := Digest([]byte("never-stored"))
	seeds := protos[0].rt.FindNeighbors(key, 3, nil)
	vs := NewValueSpider(protos[0], key, seeds, 20, 3, metrics.New())

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, found := vs.Find(ctx)
	if found {
		t.Fatal("expected ValueSpider.Find to report not-found for an unstored key")
	}
}
