package kademlia

// bootstrap.go: load/save the opaque bootstrap state file (spec §6) that
// lets a node rejoin the network without a fresh set of seed addresses.

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// stateFileVersion guards the on-disk schema, not the wire protocol.
const stateFileVersion = 1

// seedAddr is one bootstrappable neighbor, as persisted to the state file.
type seedAddr struct {
	IP   string `yaml:"ip"`
	Port uint16 `yaml:"port"`
}

// State is the bootstrap blob spec §6 describes:
// {ksize, alpha, node_id, neighbors}.
type State struct {
	Version   int        `yaml:"version"`
	KSize     int        `yaml:"ksize"`
	Alpha     int        `yaml:"alpha"`
	NodeID    string     `yaml:"node_id"`
	Neighbors []seedAddr `yaml:"neighbors"`
}

// SaveState writes this node's routing table contents to fname, skipping
// the write entirely if there are no known neighbors (mirrors the Python
// original's "No known neighbors, so not writing to cache").
func (s *Server) SaveState(fname string) error {
	neighbors := s.rt.FindNeighbors(s.self.ID, s.rt.Size(), nil)
	if len(neighbors) == 0 {
		s.log.WithField("function", "SaveState").Warn("no known neighbors, not writing state file")
		return nil
	}
	st := State{
		Version: stateFileVersion,
		KSize:   s.k,
		Alpha:   s.alpha,
		NodeID:  s.self.ID.String(),
	}
	for _, n := range neighbors {
		st.Neighbors = append(st.Neighbors, seedAddr{IP: n.IP, Port: n.Port})
	}
	b, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(fname, b, 0o600)
}

// LoadState reads a previously saved state file.
func LoadState(fname string) (State, error) {
	var st State
	b, err := os.ReadFile(fname)
	if err != nil {
		return st, fmt.Errorf("read state file: %w", err)
	}
	if err := yaml.Unmarshal(b, &st); err != nil {
		return st, fmt.Errorf("unmarshal state: %w", err)
	}
	return st, nil
}

// SeedContacts converts a loaded State's neighbor list into Contacts
// suitable for Server.Bootstrap. Neighbor ids are unknown until pinged, so
// each is addressed by a zero NodeID that Bootstrap's Ping exchange fills
// in from the response.
func (st State) SeedContacts() []Contact {
	out := make([]Contact, 0, len(st.Neighbors))
	for _, n := range st.Neighbors {
		out = append(out, Contact{IP: n.IP, Port: n.Port})
	}
	return out
}
