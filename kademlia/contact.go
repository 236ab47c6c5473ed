package kademlia

import (
	"net"
	"sort"
	"strconv"
)

func netJoinHostPort(ip string, port uint16) string {
	return net.JoinHostPort(ip, strconv.Itoa(int(port)))
}

// Contact is a (id, address) pair. Equality is by ID only. A Contact with
// an empty Address is a pure lookup target and carries no routing
// information of its own.
type Contact struct {
	ID   NodeID
	IP   string
	Port uint16

	distance Distance
	hasDist  bool
}

// NewContact builds a Contact for the given id and network address.
func NewContact(id NodeID, ip string, port uint16) Contact {
	return Contact{ID: id, IP: ip, Port: port}
}

// NewTarget builds a pure lookup target carrying no address.
func NewTarget(id NodeID) Contact {
	return Contact{ID: id}
}

// HasAddress reports whether the contact carries routable address
// information, as opposed to being a bare lookup target.
func (c Contact) HasAddress() bool {
	return c.IP != "" && c.Port != 0
}

// Address renders the contact's network address as host:port.
func (c Contact) Address() string {
	if !c.HasAddress() {
		return ""
	}
	return netJoinHostPort(c.IP, c.Port)
}

// calcDistance caches the XOR distance from this contact to the target id,
// mirroring the teacher's GetContactAndCalcDistance precompute-before-sort
// step so repeated comparisons during a sort don't recompute it.
func (c Contact) calcDistance(target NodeID) Contact {
	c.distance = c.ID.DistanceTo(target)
	c.hasDist = true
	return c
}

// ContactCandidates is an ascending-by-distance, stable-ordered collection
// of contacts. The routing table's neighbor queries and the spider's
// shortlist do not use it; they sort with sortContactsByDistance.
type ContactCandidates struct {
	contacts []Contact
}

// Append adds contacts to the candidate set.
func (cc *ContactCandidates) Append(contacts []Contact) {
	cc.contacts = append(cc.contacts, contacts...)
}

// Len returns the number of candidates.
func (cc *ContactCandidates) Len() int {
	return len(cc.contacts)
}

// Sort orders candidates by ascending distance to their precomputed
// target, breaking ties by original (insertion) order — sort.SliceStable
// guarantees that directly.
func (cc *ContactCandidates) Sort() {
	sort.SliceStable(cc.contacts, func(i, j int) bool {
		return cc.contacts[i].distance.Less(cc.contacts[j].distance)
	})
}

// GetContacts returns the count closest candidates (Sort must have been
// called first); fewer are returned if count exceeds Len().
func (cc *ContactCandidates) GetContacts(count int) []Contact {
	if count > len(cc.contacts) {
		count = len(cc.contacts)
	}
	return cc.contacts[:count]
}

// sortContactsByDistance returns a stable-sorted copy of contacts ordered
// by ascending XOR distance to target.
func sortContactsByDistance(contacts []Contact, target NodeID) []Contact {
	out := make([]Contact, len(contacts))
	for i, c := range contacts {
		out[i] = c.calcDistance(target)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].distance.Less(out[j].distance)
	})
	return out
}
