// Package rpcnet implements the overlay's wire protocol: five unary
// RPCs (PING, STORE, FIND_NODE, FIND_VALUE, JOIN) carried over length-
// prefixed, gob-encoded frames on a libp2p stream — one protocol ID, one
// frame per call, no persistent session state.
package rpcnet

import "github.com/klingon-exchange/ledgerd/internal/kademlia"

// ProtocolID is the libp2p stream protocol identifier for the overlay RPCs.
const ProtocolID = "/ledgerd/dht/rpc/1.0.0"

// Method names, used in the envelope to pick a decode target and a handler.
const (
	MethodPing      = "PING"
	MethodStore     = "STORE"
	MethodFindNode  = "FIND_NODE"
	MethodFindValue = "FIND_VALUE"
	MethodJoin      = "JOIN"
	MethodShutdown  = "SHUTDOWN"
)

// Envelope frames a single request or response on the wire. Payload is the
// gob-encoded request or response, matched to Method by the handler;
// keeping it as opaque []byte (rather than an interface field) avoids
// gob's requirement to register every concrete type on both ends ahead of
// time and keeps the frame self-describing.
type Envelope struct {
	Method  string
	Payload []byte
	Err     string // non-empty on a response that failed
}

// PingRequest/PingResponse carry no fields beyond the sender contact;
// liveness alone is the payload.
type PingRequest struct {
	Sender kademlia.Contact
}

type PingResponse struct {
	Alive bool
}

// StoreRequest/StoreResponse.
type StoreRequest struct {
	Sender kademlia.Contact
	Key    kademlia.ID
	Value  []byte
}

type StoreResponse struct {
	Success bool
}

// FindNodeRequest/FindNodeResponse.
type FindNodeRequest struct {
	Sender kademlia.Contact
	ID     kademlia.ID
}

type FindNodeResponse struct {
	Nodes []kademlia.Contact
}

// FindValueRequest/FindValueResponse. Value is nil when the node did not
// have the key and returned contacts instead.
type FindValueRequest struct {
	Sender kademlia.Contact
	Key    kademlia.ID
}

type FindValueResponse struct {
	Value []byte
	Nodes []kademlia.Contact
}

// JoinRequest/JoinResponse.
type JoinRequest struct {
	Sender  kademlia.Contact
	Nonce   uint64
	PowHash kademlia.Hash
}

type JoinResponse struct {
	Accepted     bool
	ClosestNodes []kademlia.Contact
}

// ShutdownRequest/ShutdownResponse — local/administrative, never sent over
// the wire to a remote peer; included for interface completeness.
type ShutdownRequest struct{}
type ShutdownResponse struct{}
