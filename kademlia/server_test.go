package kademlia

import (
	"context"
	"testing"
	"time"

	"github.com/kadlib/kadnode/metrics"
)

func newTestServer(t *testing.T, k, alpha int) *Server {
	t.Helper()
	self := newTestContact(NewRandomNodeID(), freeUDPPort(t))
	s, err := NewServer(self, k, alpha, newMemStore(), 2*time.Second, time.Hour, time.Hour, false, metrics.New())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// joinRing builds n servers and gives every pair direct routing-table
// knowledge of each other, so lookup correctness tests don't also depend
// on Bootstrap's own convergence behavior (that's spider_test.go's job).
func joinRing(t *testing.T, n, k, alpha int) []*Server {
	t.Helper()
	servers := make([]*Server, n)
	for i := range servers {
		servers[i] = newTestServer(t, k, alpha)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			servers[i].proto.Ping(ctx, servers[j].Self())
		}
	}
	return servers
}

func TestServerSetThenGetRoundTrip(t *testing.T) {
	servers := joinRing(t, 5, 20, 3)
	ctx := context.Background()

	if err := servers[0].Set(ctx, []byte("color"), "blue"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, err := servers[len(servers)-1].Get(ctx, []byte("color"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != `"blue"` {
		t.Fatalf("Get returned %q, want %q", value, `"blue"`)
	}
}

func TestServerGetNotFound(t *testing.T) {
	servers := joinRing(t, 3, 20, 3)
	_, err := servers[0].Get(context.Background(), []byte("missing-key"))
	if err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestServerSetRejectsInvalidType(t *testing.T) {
	s := newTestServer(t, 20, 3)
	err := s.Set(context.Background(), []byte("k"), struct{ X int }{1})
	if err != ErrInvalidValueType {
		t.Fatalf("Set error = %v, want ErrInvalidValueType", err)
	}
}

func TestServerNoNeighborsBeforeJoining(t *testing.T) {
	s := newTestServer(t, 20, 3)
	if err := s.Set(context.Background(), []byte("k"), "v"); err != ErrNoNeighbors {
		t.Fatalf("Set error = %v, want ErrNoNeighbors", err)
	}
	if _, err := s.Get(context.Background(), []byte("k")); err != ErrNotFound {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestServerStoresLocallyWhenClosestToKey(t *testing.T) {
	servers := joinRing(t, 4, 20, 3)
	ctx := context.Background()

	if err := servers[0].Set(ctx, []byte("near-me"), "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// At least one of the participating nodes must hold the value.
	dkey := Digest([]byte("near-me"))
	found := false
	for _, s := range servers {
		if _, ok, _ := s.store.Get(ctx, dkey); ok {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected at least one participating node to hold the value locally")
	}

	// The setting node keeps its own copy when it is closer to the key
	// than the farthest of the nodes its lookup found (spec §4.5's "store
	// locally if closer than the farthest of the k"); with every node
	// knowing every other, that lookup finds all of servers[1:].
	var farthest Distance
	for _, s := range servers[1:] {
		if d := dkey.DistanceTo(s.self.ID); farthest.Less(d) {
			farthest = d
		}
	}
	if servers[0].self.ID.DistanceTo(dkey).Less(farthest) {
		if _, ok, _ := servers[0].store.Get(ctx, dkey); !ok {
			t.Fatal("expected the setting node to store the value locally when closer than the farthest of the k")
		}
	}
}
