package ledger

import (
	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
)

// MerkleRoot computes the commitment root over a block's ordered
// transaction hashes. An empty transaction set commits to the zero hash, a
// sentinel that Validate treats as "no transactions" rather than a
// malformed tree. Odd levels duplicate their last node before pairing.
func MerkleRoot(txs []*Transaction) kademlia.Hash {
	if len(txs) == 0 {
		return kademlia.Hash{}
	}

	level := make([]kademlia.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.Hash
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]kademlia.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			left, right := level[2*i], level[2*i+1]
			next[i] = identity.Keccak256(left[:], right[:])
		}
		level = next
	}

	return level[0]
}

// MerkleProof is the sibling hash at each level of a leaf's path plus which
// side each sits on, used to authenticate one leaf against a root without
// the full tree.
type MerkleProof struct {
	Siblings []kademlia.Hash
	// RightSibling[i] reports whether Siblings[i] sits to the right of the
	// authentication path node at that level.
	RightSibling []bool
}

// BuildMerkleProof returns an inclusion proof for the transaction at index
// in txs, or ok=false if index is out of range.
func BuildMerkleProof(txs []*Transaction, index int) (MerkleProof, bool) {
	if index < 0 || index >= len(txs) {
		return MerkleProof{}, false
	}

	level := make([]kademlia.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.Hash
	}

	var proof MerkleProof
	idx := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		siblingIdx := idx ^ 1
		proof.Siblings = append(proof.Siblings, level[siblingIdx])
		proof.RightSibling = append(proof.RightSibling, siblingIdx > idx)

		next := make([]kademlia.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			left, right := level[2*i], level[2*i+1]
			next[i] = identity.Keccak256(left[:], right[:])
		}
		level = next
		idx /= 2
	}

	return proof, true
}

// VerifyMerkleProof reports whether leaf authenticates to root via proof.
func VerifyMerkleProof(leaf kademlia.Hash, proof MerkleProof, root kademlia.Hash) bool {
	current := leaf
	for i, sibling := range proof.Siblings {
		if proof.RightSibling[i] {
			current = identity.Keccak256(current[:], sibling[:])
		} else {
			current = identity.Keccak256(sibling[:], current[:])
		}
	}
	return current == root
}
