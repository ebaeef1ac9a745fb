package kademlia

import "time"

// Tunable constants for the overlay. All are variables rather
// than untyped consts so internal/config can override them at startup.
var (
	// K is the bucket capacity and the fan-out of find_closest.
	K = 20
	// Alpha is the parallel-probe factor for iterative lookups.
	Alpha = 3
	// IDLength is the size in bytes of a node id / DHT key.
	IDLength = 20
	// RPCTimeout bounds a single outbound RPC attempt.
	RPCTimeout = 300 * time.Millisecond
	// PingTries is the number of PING retries before declaring a contact
	// dead during the LRU-eviction dance.
	PingTries = 2
	// Difficulty is the number of required leading zero bytes for the
	// JOIN proof-of-work digest.
	Difficulty = 4
)

// NumBuckets is the number of bits in an id, i.e. one bucket per possible
// bit-position of XOR distance.
func NumBuckets() int { return IDLength * 8 }
