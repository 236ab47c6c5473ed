package kademlia

// protocol.go: UDP transport, RPC correlation, the four Kademlia RPCs, and
// the welcome forward-replication side channel (spec §4.3).

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kadlib/kadnode/metrics"
)

// Protocol implements the wire contract of spec §4.3 over a UDP socket:
// every received request observes its sender against the routing table
// before it is handled, and every successful response observes the peer
// once the RPC method that issued the call sees it succeed.
type Protocol struct {
	conn *net.UDPConn
	self Contact

	rt    *RoutingTable
	store Store

	k              int
	timeout        time.Duration
	welcomeEnabled bool

	metrics *metrics.Collector
	log     *logrus.Entry

	mu      sync.Mutex
	pending map[string]chan response

	stopped   chan struct{}
	closeOnce sync.Once
}

// NewProtocol binds self.IP:self.Port and starts the read loop.
func NewProtocol(self Contact, rt *RoutingTable, store Store, k int, timeout time.Duration, welcomeEnabled bool, m *metrics.Collector) (*Protocol, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", self.Address())
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	p := &Protocol{
		conn:           conn,
		self:           self,
		rt:             rt,
		store:          store,
		k:              k,
		timeout:        timeout,
		welcomeEnabled: welcomeEnabled,
		metrics:        m,
		log:            logrus.WithField("component", "protocol"),
		pending:        make(map[string]chan response),
		stopped:        make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// Close shuts down the UDP socket and unblocks the read loop. Outstanding
// RPCs resolve as timed out per spec §5.
func (p *Protocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close()
		<-p.stopped
	})
	return err
}

func (p *Protocol) register(msgID string) chan response {
	ch := make(chan response, 1)
	p.mu.Lock()
	p.pending[msgID] = ch
	p.mu.Unlock()
	return ch
}

func (p *Protocol) unregister(msgID string) {
	p.mu.Lock()
	delete(p.pending, msgID)
	p.mu.Unlock()
}

func (p *Protocol) send(addr *net.UDPAddr, b []byte) error {
	_, err := p.conn.WriteToUDP(b, addr)
	return err
}

// call issues req to peer and blocks for a response or timeout/ctx
// cancellation, whichever comes first. It never observes the peer itself;
// callers do that based on the outcome, per spec §4.3's "a failed call
// does not observe the peer; a successful call observes it."
func (p *Protocol) call(ctx context.Context, peer Contact, req request) (response, bool) {
	addr, err := net.ResolveUDPAddr("udp", peer.Address())
	if err != nil {
		return response{}, false
	}
	b, err := encodeRequest(req)
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "Protocol.call",
			"method":   req.Method,
			"error":    err.Error(),
		}).Error("failed to serialize outbound request")
		p.metrics.RPC(string(req.Method), "sent", "error")
		return response{}, false
	}

	ch := p.register(req.MessageID)
	defer p.unregister(req.MessageID)

	if err := p.send(addr, b); err != nil {
		p.metrics.RPC(string(req.Method), "sent", "error")
		return response{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	select {
	case resp := <-ch:
		if !resp.Success {
			p.metrics.RPC(string(req.Method), "sent", "error")
			return resp, false
		}
		p.metrics.RPC(string(req.Method), "sent", "ok")
		return resp, true
	case <-ctx.Done():
		p.metrics.RPC(string(req.Method), "sent", "timeout")
		p.log.WithFields(logrus.Fields{
			"function": "Protocol.call",
			"method":   req.Method,
			"peer":     peer.ID.String(),
			"error":    errTimeout.Error(),
		}).Debug("rpc timed out")
		return response{}, false
	}
}

// Ping sends PING and waits for PONG (spec §4.3). On success it observes
// the peer.
func (p *Protocol) Ping(ctx context.Context, peer Contact) (NodeID, bool) {
	req := request{MessageID: newMessageID(), Method: methodPing, Args: requestArgs{SenderID: p.self.ID.String()}}
	resp, ok := p.call(ctx, peer, req)
	if !ok {
		return NodeID{}, false
	}
	responderID, err := NewNodeID(resp.Result.ResponderID)
	if err != nil {
		return NodeID{}, false
	}
	peer.ID = responderID
	p.rt.Observe(peer)
	return responderID, true
}

// PingAddr is a convenience wrapper used as the routing table's liveness
// probe (spec §4.2): it returns whether the contact is still reachable.
func (p *Protocol) PingAddr(ctx context.Context, peer Contact) bool {
	_, ok := p.Ping(ctx, peer)
	return ok
}

// StoreRPC sends STORE(key, value) and waits for acknowledgement.
func (p *Protocol) StoreRPC(ctx context.Context, peer Contact, key NodeID, value []byte) bool {
	req := request{
		MessageID: newMessageID(),
		Method:    methodStore,
		Args:      requestArgs{SenderID: p.self.ID.String(), KeyHex: key.String(), Value: value},
	}
	resp, ok := p.call(ctx, peer, req)
	if !ok {
		return false
	}
	p.rt.Observe(peer)
	return resp.Result.OK
}

// FindNode sends FIND_NODE(target) and returns up to k contacts closest
// to target known to peer; the peer omits its farthest ones when k
// contacts would not fit in one datagram.
func (p *Protocol) FindNode(ctx context.Context, peer Contact, target NodeID) ([]Contact, bool) {
	req := request{
		MessageID: newMessageID(),
		Method:    methodFindNode,
		Args:      requestArgs{SenderID: p.self.ID.String(), TargetID: target.String()},
	}
	resp, ok := p.call(ctx, peer, req)
	if !ok {
		return nil, false
	}
	p.rt.Observe(peer)
	contacts := fromWireContacts(resp.Result.Contacts)
	for _, c := range contacts {
		p.rt.Observe(c)
	}
	return contacts, true
}

// FindValue sends FIND_VALUE(key) and returns either the value, if peer
// holds it, or its closest known contacts to key. found reports whether
// peer actually holds the value (spec §6's has_value flag), distinct from
// ok (whether the call itself succeeded) and distinct from value == nil,
// which is also what an empty-but-present stored value decodes to once
// the wire codec's omitempty drops a zero-length byte slice.
func (p *Protocol) FindValue(ctx context.Context, peer Contact, key NodeID) (value []byte, contacts []Contact, found bool, ok bool) {
	req := request{
		MessageID: newMessageID(),
		Method:    methodFindValue,
		Args:      requestArgs{SenderID: p.self.ID.String(), KeyHex: key.String()},
	}
	resp, ok := p.call(ctx, peer, req)
	if !ok {
		return nil, nil, false, false
	}
	p.rt.Observe(peer)
	if resp.Result.HasValue {
		return resp.Result.Value, nil, true, true
	}
	contacts = fromWireContacts(resp.Result.Contacts)
	for _, c := range contacts {
		p.rt.Observe(c)
	}
	return nil, contacts, false, true
}

// readLoop decodes datagrams and dispatches them: responses are routed to
// their waiting caller by message id, requests are handled inline.
func (p *Protocol) readLoop() {
	defer close(p.stopped)
	buf := make([]byte, 64*1024)
	for {
		n, src, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(buf[:n])
		if err != nil {
			// malformed datagram: dropped silently, sender not observed (spec §7)
			continue
		}
		if env.Reply != nil {
			p.mu.Lock()
			ch := p.pending[env.Reply.MessageID]
			p.mu.Unlock()
			if ch != nil {
				select {
				case ch <- *env.Reply:
				default:
				}
			}
			continue
		}
		if env.Request != nil {
			p.handleRequest(*env.Request, src)
		}
	}
}

func (p *Protocol) handleRequest(req request, src *net.UDPAddr) {
	senderID, err := NewNodeID(req.Args.SenderID)
	if err != nil {
		return // malformed args: drop, do not observe
	}
	sender := Contact{ID: senderID, IP: src.IP.String(), Port: uint16(src.Port)}

	isNew := !p.rt.Contains(senderID)
	p.rt.Observe(sender)
	p.metrics.RPC(string(req.Method), "received", "ok")

	var resp response
	switch req.Method {
	case methodPing:
		resp = p.handlePing(sender)
	case methodStore:
		resp = p.handleStore(req, sender)
	case methodFindNode:
		resp = p.handleFindNode(req, sender)
	case methodFindValue:
		resp = p.handleFindValue(req, sender)
	default:
		return
	}
	resp.MessageID = req.MessageID
	resp.Success = true
	b, err := encodeResponse(resp)
	// Contacts are sorted closest first; drop the farthest until the
	// response fits in one datagram.
	for err != nil && len(resp.Result.Contacts) > 0 {
		resp.Result.Contacts = resp.Result.Contacts[:len(resp.Result.Contacts)-1]
		b, err = encodeResponse(resp)
	}
	if err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "Protocol.handleRequest",
			"method":   req.Method,
			"error":    err.Error(),
		}).Error("failed to serialize response, dropping")
		return
	}
	_ = p.send(src, b)

	if isNew && p.welcomeEnabled {
		go p.welcome(context.Background(), sender)
	}
}

func (p *Protocol) handlePing(sender Contact) response {
	p.log.WithFields(logrus.Fields{"function": "handlePing", "from": sender.ID.String()}).Debug("ping")
	return response{Result: responseResult{ResponderID: p.self.ID.String()}}
}

func (p *Protocol) handleStore(req request, sender Contact) response {
	key, err := NewNodeID(req.Args.KeyHex)
	if err != nil {
		return response{Result: responseResult{OK: false}}
	}
	if err := p.store.Put(context.Background(), key, req.Args.Value); err != nil {
		p.log.WithFields(logrus.Fields{
			"function": "handleStore", "key": key.String(), "error": err.Error(),
		}).Error("local store failed")
		return response{Result: responseResult{OK: false}}
	}
	p.log.WithFields(logrus.Fields{"function": "handleStore", "from": sender.ID.String(), "key": key.String()}).Debug("stored")
	return response{Result: responseResult{OK: true}}
}

func (p *Protocol) handleFindNode(req request, sender Contact) response {
	target, err := NewNodeID(req.Args.TargetID)
	if err != nil {
		return response{Result: responseResult{}}
	}
	excl := sender.ID
	contacts := p.rt.FindNeighbors(target, p.k, &excl)
	return response{Result: responseResult{Contacts: toWireContacts(contacts)}}
}

func (p *Protocol) handleFindValue(req request, sender Contact) response {
	key, err := NewNodeID(req.Args.KeyHex)
	if err != nil {
		return response{Result: responseResult{}}
	}
	if v, ok, err := p.store.Get(context.Background(), key); err == nil && ok {
		p.log.WithFields(logrus.Fields{"function": "handleFindValue", "key": key.String()}).Debug("local hit")
		return response{Result: responseResult{Value: v, HasValue: true}}
	}
	excl := sender.ID
	contacts := p.rt.FindNeighbors(key, p.k, &excl)
	return response{Result: responseResult{Contacts: toWireContacts(contacts)}}
}

// welcome implements spec §4.3's "Sender liveness from requests": for
// every locally stored value whose digest now places the newly-observed
// peer among the k closest known nodes, forward a STORE to it. Run off
// the read-loop goroutine so a burst of new peers never stalls inbound
// dispatch; "synchronous" in the spec's sense means issued immediately
// rather than deferred to the next maintenance cycle, not that it blocks
// the handler.
func (p *Protocol) welcome(ctx context.Context, peer Contact) {
	entries, err := p.store.IterOlderThan(ctx, 0)
	if err != nil {
		return
	}
	for _, e := range entries {
		closest := p.rt.FindNeighbors(e.Digest, p.k, nil)
		for _, c := range closest {
			if c.ID == peer.ID {
				p.StoreRPC(ctx, peer, e.Digest, e.Value)
				break
			}
		}
	}
}
