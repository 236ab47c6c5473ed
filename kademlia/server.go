package kademlia

// server.go: the thin orchestration layer (spec §4.5) — Get, Set, Bootstrap,
// and the periodic maintenance (bucket refresh, origin-key republish) that
// keep a running node healthy.

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kadlib/kadnode/metrics"
)

// originEntry records a value this node accepted locally via Set, kept
// around purely so periodic maintenance can republish it (spec §4.5,
// §8 S6) even when this node isn't among the key's current k closest and
// therefore never persisted it to Store.
type originEntry struct {
	value   []byte
	setAt   time.Time
}

// Server ties together a RoutingTable, Protocol, and Store into the
// get/set/bootstrap surface spec §4.5 describes.
type Server struct {
	self  Contact
	k     int
	alpha int

	rt    *RoutingTable
	proto *Protocol
	store Store

	refreshInterval   time.Duration
	republishInterval time.Duration

	metrics *metrics.Collector
	log     *logrus.Entry

	mu     sync.Mutex
	origin map[NodeID]originEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewServer constructs a Server and starts its Protocol listening on
// self's address. Maintenance goroutines are not started until Run.
func NewServer(self Contact, k, alpha int, store Store, rpcTimeout, refreshInterval, republishInterval time.Duration, welcomeEnabled bool, m *metrics.Collector) (*Server, error) {
	rt := NewRoutingTable(self, k)
	rt.SetRefreshInterval(refreshInterval)

	proto, err := NewProtocol(self, rt, store, k, rpcTimeout, welcomeEnabled, m)
	if err != nil {
		return nil, err
	}
	rt.SetPingFunc(func(c Contact) bool {
		return proto.PingAddr(context.Background(), c)
	})

	s := &Server{
		self:              self,
		k:                 k,
		alpha:             alpha,
		rt:                rt,
		proto:             proto,
		store:             store,
		refreshInterval:   refreshInterval,
		republishInterval: republishInterval,
		metrics:           m,
		log:               logrus.WithField("component", "server"),
		origin:            make(map[NodeID]originEntry),
		stopCh:            make(chan struct{}),
	}
	return s, nil
}

// Close stops maintenance and shuts down the underlying protocol.
func (s *Server) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
	return s.proto.Close()
}

// Run starts the periodic maintenance loop (bucket refresh and origin-key
// republish) and blocks until ctx is cancelled or Close is called.
func (s *Server) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	refreshTicker := time.NewTicker(s.refreshInterval)
	republishTicker := time.NewTicker(s.republishInterval)
	defer refreshTicker.Stop()
	defer republishTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-refreshTicker.C:
			s.refreshBuckets(ctx)
		case <-republishTicker.C:
			s.republishOrigins(ctx)
		}
	}
}

// refreshBuckets issues a NodeSpider lookup for a random id in every
// bucket that hasn't been touched within the refresh interval (spec §4.2,
// §4.5).
func (s *Server) refreshBuckets(ctx context.Context) {
	ids := s.rt.GetRefreshIDs()
	if len(ids) == 0 {
		return
	}
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			seeds := s.rt.FindNeighbors(id, s.alpha, nil)
			NewNodeSpider(s.proto, id, seeds, s.k, s.alpha, s.metrics).Find(ctx)
			return nil
		})
	}
	_ = g.Wait()
	s.metrics.SetRoutingTableSize(s.rt.Size())
	if entries, err := s.store.IterOlderThan(ctx, 0); err == nil {
		s.metrics.SetStorageEntries(len(entries))
	}
}

// republishOrigins re-issues Set for every origin key last set more than
// republishInterval ago (spec §4.5, §8 S6).
func (s *Server) republishOrigins(ctx context.Context) {
	s.mu.Lock()
	due := make(map[NodeID][]byte)
	now := time.Now()
	for dkey, e := range s.origin {
		if now.Sub(e.setAt) >= s.republishInterval {
			due[dkey] = e.value
		}
	}
	s.mu.Unlock()

	for dkey, value := range due {
		if err := s.setDigest(ctx, dkey, value); err != nil {
			s.log.WithFields(logrus.Fields{"function": "republishOrigins", "key": dkey.String(), "error": err.Error()}).Warn("republish failed")
			continue
		}
		s.touchOrigin(dkey, value)
	}
}

func (s *Server) touchOrigin(dkey NodeID, value []byte) {
	s.mu.Lock()
	s.origin[dkey] = originEntry{value: value, setAt: time.Now()}
	s.mu.Unlock()
}

// Bootstrap pings every seed contact and folds the ones that answer into
// the routing table via an initial NodeSpider lookup for this node's own
// id (spec §4.5 "bootstrap").
func (s *Server) Bootstrap(ctx context.Context, seeds []Contact) []Contact {
	results := make([]Contact, len(seeds))
	var g errgroup.Group
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			if id, ok := s.proto.Ping(ctx, seed); ok {
				seed.ID = id
				results[i] = seed
			}
			return nil
		})
	}
	_ = g.Wait()

	var alive []Contact
	for _, c := range results {
		if c.HasAddress() {
			alive = append(alive, c)
		}
	}
	return NewNodeSpider(s.proto, s.self.ID, alive, s.k, s.alpha, s.metrics).Find(ctx)
}

// permittedValueType mirrors the reference implementation's
// check_dht_value_type: int, float, bool, string, or raw bytes.
func permittedValueType(value interface{}) bool {
	switch value.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, bool, string, []byte:
		return true
	default:
		return false
	}
}

// Get resolves key to its value, checking local storage first and then
// falling back to an iterative FIND_VALUE lookup (spec §4.4, §4.5).
func (s *Server) Get(ctx context.Context, key []byte) ([]byte, error) {
	dkey := Digest(key)

	if v, ok, err := s.store.Get(ctx, dkey); err == nil && ok {
		return v, nil
	}

	neighbors := s.rt.FindNeighbors(dkey, s.k, nil)
	if len(neighbors) == 0 {
		s.log.WithField("function", "Get").Warn("no known neighbors")
		return nil, ErrNotFound
	}

	value, found := NewValueSpider(s.proto, dkey, neighbors, s.k, s.alpha, s.metrics).Find(ctx)
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set validates value's type, marshals it, and stores it under key across
// the network (spec §4.5).
func (s *Server) Set(ctx context.Context, key []byte, value interface{}) error {
	if !permittedValueType(value) {
		return ErrInvalidValueType
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return ErrInvalidValueType
	}
	dkey := Digest(key)
	if err := s.setDigest(ctx, dkey, encoded); err != nil {
		return err
	}
	s.touchOrigin(dkey, encoded)
	return nil
}

// setDigest is the shared core of Set and republishOrigins: find the k
// nodes closest to dkey, store locally if this node is closer than the
// farthest of them (spec §4.5, confirmed against the Python original's
// Server.set_digest), and fan a STORE out to every node found.
func (s *Server) setDigest(ctx context.Context, dkey NodeID, value []byte) error {
	neighbors := s.rt.FindNeighbors(dkey, s.k, nil)
	if len(neighbors) == 0 {
		s.log.WithField("function", "setDigest").Warn("no known neighbors")
		return ErrNoNeighbors
	}

	nodes := NewNodeSpider(s.proto, dkey, neighbors, s.k, s.alpha, s.metrics).Find(ctx)
	if len(nodes) == 0 {
		return ErrNoNeighbors
	}

	biggest := dkey.DistanceTo(nodes[0].ID)
	for _, n := range nodes[1:] {
		if d := dkey.DistanceTo(n.ID); biggest.Less(d) {
			biggest = d
		}
	}
	storedLocally := false
	if s.self.ID.DistanceTo(dkey).Less(biggest) {
		if err := s.store.Put(ctx, dkey, value); err != nil {
			s.log.WithFields(logrus.Fields{"function": "setDigest", "key": dkey.String(), "error": err.Error()}).Error("local store failed")
		} else {
			storedLocally = true
		}
	}

	results := make([]bool, len(nodes))
	var g errgroup.Group
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = s.proto.StoreRPC(ctx, n, dkey, value)
			return nil
		})
	}
	_ = g.Wait()

	anyStored := storedLocally
	for _, ok := range results {
		anyStored = anyStored || ok
	}
	if !anyStored {
		s.log.WithField("function", "setDigest").Warn("no store succeeded")
		return ErrStoreFailed
	}
	return nil
}

// RoutingTableSize reports the current routing table occupancy.
func (s *Server) RoutingTableSize() int {
	return s.rt.Size()
}

// Self returns this node's own contact.
func (s *Server) Self() Contact {
	return s.self
}
