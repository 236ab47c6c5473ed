package kademlia

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kadlib/kadnode/metrics"
)

// memStore is a minimal in-process Store used only by this package's own
// tests, avoiding a dependency on the sibling storage package (which
// itself imports kademlia).
type memStore struct {
	mu      sync.Mutex
	entries map[NodeID][]byte
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[NodeID][]byte)}
}

func (m *memStore) Get(ctx context.Context, digest NodeID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[digest]
	return v, ok, nil
}

func (m *memStore) Put(ctx context.Context, digest NodeID, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[digest] = value
	return nil
}

func (m *memStore) IterOlderThan(ctx context.Context, d time.Duration) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for digest, v := range m.entries {
		out = append(out, Entry{Digest: digest, Value: v})
	}
	return out, nil
}

func freeUDPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer l.Close()
	return uint16(l.LocalAddr().(*net.UDPAddr).Port)
}

// newTestProtocol wires up a Protocol bound to loopback on a free port,
// with its own routing table and store, and registers cleanup.
func newTestProtocol(t *testing.T, k int, welcomeEnabled bool) (*Protocol, *RoutingTable, *memStore, Contact) {
	t.Helper()
	self := newTestContact(NewRandomNodeID(), freeUDPPort(t))
	rt := NewRoutingTable(self, k)
	store := newMemStore()
	p, err := NewProtocol(self, rt, store, k, 2*time.Second, welcomeEnabled, metrics.New())
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	rt.SetPingFunc(func(c Contact) bool { return p.PingAddr(context.Background(), c) })
	t.Cleanup(func() { _ = p.Close() })
	return p, rt, store, self
}

func TestProtocolPing(t *testing.T) {
	ctx := context.Background()
	_, _, _, a := newTestProtocol(t, 20, false)
	bProto, bRT, _, _ := newTestProtocol(t, 20, false)

	id, ok := bProto.Ping(ctx, a)
	if !ok {
		t.Fatal("Ping returned ok=false")
	}
	if id == (NodeID{}) {
		t.Fatal("Ping returned a zero responder id")
	}
	if !bRT.Contains(id) {
		t.Fatal("expected b's routing table to observe a after a successful ping")
	}
}

func TestProtocolStoreAndFindValue(t *testing.T) {
	ctx := context.Background()
	aProto, _, aStore, a := newTestProtocol(t, 20, false)
	bProto, _, _, _ := newTestProtocol(t, 20, false)

	_, ok := bProto.Ping(ctx, a)
	if !ok {
		t.Fatal("setup ping failed")
	}

	key := Digest([]byte("hello"))
	if ok := bProto.StoreRPC(ctx, a, key, []byte("world")); !ok {
		t.Fatal("StoreRPC returned ok=false")
	}

	stored, found, err := aStore.Get(ctx, key)
	if err != nil || !found {
		t.Fatalf("expected a to hold the stored value, found=%v err=%v", found, err)
	}
	if string(stored) != "world" {
		t.Fatalf("stored value = %q, want %q", stored, "world")
	}

	value, _, found, ok := bProto.FindValue(ctx, a, key)
	if !ok {
		t.Fatal("FindValue returned ok=false")
	}
	if !found {
		t.Fatal("FindValue returned found=false for a stored key")
	}
	if string(value) != "world" {
		t.Fatalf("FindValue returned %q, want %q", value, "world")
	}
}

func TestProtocolFindNodeReturnsNeighbors(t *testing.T) {
	ctx := context.Background()
	aProto, aRT, _, a := newTestProtocol(t, 20, false)
	bProto, _, _, _ := newTestProtocol(t, 20, false)

	for i := 0; i < 5; i++ {
		aRT.Observe(newTestContact(NewRandomNodeID(), freeUDPPort(t)))
	}

	contacts, ok := bProto.FindNode(ctx, a, NewRandomNodeID())
	if !ok {
		t.Fatal("FindNode returned ok=false")
	}
	if len(contacts) != 5 {
		t.Fatalf("FindNode returned %d contacts, want 5", len(contacts))
	}
	_ = aProto
}

func TestProtocolCallTimesOutAgainstDeadPeer(t *testing.T) {
	ctx := context.Background()
	dead := newTestContact(NewRandomNodeID(), freeUDPPort(t)) // nothing listens here

	bProto, _, _, _ := newTestProtocol(t, 20, false)
	start := time.Now()
	_, success := bProto.Ping(ctx, dead)
	if success {
		t.Fatal("expected Ping against a non-listening address to fail")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("Ping against a dead peer took unreasonably long")
	}
}
