package kademlia

// wire.go: on-wire envelope shapes (spec §6) and their codec.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	json "github.com/goccy/go-json"
)

// maxDatagramSize is the conservative safe UDP payload bound spec §6
// recommends; outbound envelopes larger than this fail serialization
// rather than risk IP-layer fragmentation.
const maxDatagramSize = 1200

// method names the four Kademlia RPCs.
type method string

const (
	methodPing       method = "ping"
	methodStore      method = "store"
	methodFindNode   method = "find_node"
	methodFindValue  method = "find_value"
)

// wireContact is the on-wire representation of a Contact.
type wireContact struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

func toWireContact(c Contact) wireContact {
	return wireContact{ID: c.ID.String(), IP: c.IP, Port: c.Port}
}

func (w wireContact) toContact() (Contact, error) {
	id, err := NewNodeID(w.ID)
	if err != nil {
		return Contact{}, err
	}
	return Contact{ID: id, IP: w.IP, Port: w.Port}, nil
}

func toWireContacts(cs []Contact) []wireContact {
	out := make([]wireContact, 0, len(cs))
	for _, c := range cs {
		out = append(out, toWireContact(c))
	}
	return out
}

func fromWireContacts(ws []wireContact) []Contact {
	out := make([]Contact, 0, len(ws))
	for _, w := range ws {
		if c, err := w.toContact(); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// requestArgs carries the arguments for each RPC; only the fields the
// method needs are populated.
type requestArgs struct {
	SenderID string      `json:"sender_id"`
	TargetID string      `json:"target_id,omitempty"`
	KeyHex   string      `json:"key_hex,omitempty"`
	Value    []byte      `json:"value,omitempty"`
}

// responseResult carries the result for each RPC's response.
type responseResult struct {
	ResponderID string        `json:"responder_id,omitempty"`
	OK          bool          `json:"ok,omitempty"`
	Value       []byte        `json:"value,omitempty"`
	HasValue    bool          `json:"has_value,omitempty"`
	Contacts    []wireContact `json:"contacts,omitempty"`
}

// request is the wire shape `(message_id, method_name, [args...])`.
type request struct {
	MessageID string      `json:"message_id"`
	Method    method      `json:"method"`
	Args      requestArgs `json:"args"`
}

// response is the wire shape `(message_id, [success_bool, result_or_error])`.
type response struct {
	MessageID string          `json:"message_id"`
	Success   bool            `json:"success"`
	Result    responseResult  `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// envelope wraps exactly one of request or response for dispatch; on the
// wire these are two distinct JSON documents distinguished by the
// presence of "request" vs "response".
type envelope struct {
	Request *request  `json:"request,omitempty"`
	Reply   *response `json:"response,omitempty"`
}

func encodeRequest(r request) ([]byte, error) {
	b, err := json.Marshal(envelope{Request: &r})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSerialization, err)
	}
	if len(b) > maxDatagramSize {
		return nil, errSerialization
	}
	return b, nil
}

func encodeResponse(r response) ([]byte, error) {
	b, err := json.Marshal(envelope{Reply: &r})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSerialization, err)
	}
	if len(b) > maxDatagramSize {
		return nil, errSerialization
	}
	return b, nil
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", errDecode, err)
	}
	if env.Request == nil && env.Reply == nil {
		return envelope{}, errDecode
	}
	return env, nil
}

// newMessageID returns a random 160-bit message id, hex-encoded for the
// wire (spec §3, §6).
func newMessageID() string {
	var b [IDLength]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
