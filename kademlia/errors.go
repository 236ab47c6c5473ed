package kademlia

import (
	"errors"
	"fmt"
)

// Errors surfaced across the package boundary. Transport-level failures
// (timeouts, malformed datagrams, oversized payloads) never reach a
// caller as an error; the protocol layer converts them into a failed-call
// result and the lookup engine treats that as "peer dead" (spec §7).
var (
	// ErrInvalidValueType is returned by Set when the value is not one of
	// the permitted wire types (int, float, bool, string, []byte).
	ErrInvalidValueType = errors.New("kademlia: value is not a permitted type")

	// ErrNoNeighbors is returned by Set when the routing table is empty
	// and no RPC could be issued (Get reports ErrNotFound in that case).
	ErrNoNeighbors = errors.New("kademlia: no known neighbors")

	// ErrNotFound is returned by Get when no node in the network holds
	// the requested key, including when this node has no known neighbors
	// to ask (spec §7: get always resolves to "not found", never a
	// distinct failure mode).
	ErrNotFound = errors.New("kademlia: key not found")

	// ErrStoreFailed is returned by Set when neither the local store nor
	// any of the k closest nodes accepted the value (spec §4.5, §7: "set
	// ... returns failure"; mirrors the Python original's set_digest
	// returning false when none of the gathered stores succeeded).
	ErrStoreFailed = errors.New("kademlia: no store succeeded")
)

// errTimeout is the internal, never-surfaced condition for an RPC whose
// deadline elapsed before a response arrived.
var errTimeout = errors.New("kademlia: rpc timed out")

// errDecode marks a datagram that failed to decode; the sender of such a
// datagram is never observed.
var errDecode = errors.New("kademlia: malformed datagram")

// errSerialization marks an outbound payload that would exceed the
// transport's safe datagram size.
var errSerialization = errors.New("kademlia: payload exceeds datagram limit")

func errInvalidIDLength(got int) error {
	return fmt.Errorf("kademlia: invalid id length: got %d want %d", got, IDLength)
}
