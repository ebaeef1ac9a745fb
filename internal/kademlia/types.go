package kademlia

import (
	"encoding/hex"
	"math/bits"

	"github.com/klingon-exchange/ledgerd/pkg/helpers"
)

// ID is a 160-bit Kademlia identifier: a node id or a DHT key. Contacts are
// not authoritative; the routing table only ever stores cached hints.
type ID [20]byte

// String renders the id as lowercase hex with no "0x" prefix (unlike
// pkg/helpers.BytesToHex, which adds one).
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IDFromBytes copies up to IDLength bytes into an ID, zero-padding on the
// left if the source is shorter and keeping only the first IDLength bytes
// if it is longer. Callers that need to reject a malformed length should
// check len(b) themselves (see ledgererr.KindBadRequest at the RPC
// boundary).
func IDFromBytes(b []byte) ID {
	var id ID
	if len(b) > IDLength {
		b = b[:IDLength]
	}
	copy(id[IDLength-len(b):], b)
	return id
}

// Xor returns the bytewise XOR distance between two ids.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id represents a strictly smaller XOR distance than
// other, used to sort find_closest results. Lexicographic byte comparison
// over the XOR distance is the standard Kademlia metric.
func (id ID) Less(other ID) bool {
	return helpers.CompareBytes(id[:], other[:]) < 0
}

// BucketIndex returns the position of the highest-order bit at which id
// differs from owner, i.e. the k-bucket this contact belongs to from
// owner's point of view. A contact equal to owner has no bucket; callers
// must check IsZero on the xor distance first.
func BucketIndex(owner, id ID) int {
	d := owner.Xor(id)
	for i, b := range d {
		if b == 0 {
			continue
		}
		return i*8 + (7 - bits.LeadingZeros8(b))
	}
	return -1
}

// IsZero reports whether the id is the all-zero value (owner == contact).
func (id ID) IsZero() bool { return helpers.IsZeroBytes(id[:]) }

// Hash is a 256-bit cryptographic digest: block hashes, transaction hashes,
// and Merkle nodes all use this type.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero value, used for genesis's
// prev-hash and the empty-tree Merkle sentinel.
func (h Hash) IsZero() bool { return helpers.IsZeroBytes(h[:]) }

// Contact is a cached routing hint: (node id, network address, public key).
// Contacts are never authoritative and may be stale.
type Contact struct {
	ID        ID
	Address   string // multiaddr or host:port, interpreted by internal/rpcnet
	PublicKey []byte // compressed secp256k1 public key, 33 bytes
}
