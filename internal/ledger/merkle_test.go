package ledger

import (
	"testing"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
)

func txWithHash(b byte) *Transaction {
	var h kademlia.Hash
	h[len(h)-1] = b
	return &Transaction{Hash: h}
}

func TestMerkleRootEmptyIsZeroHash(t *testing.T) {
	if root := MerkleRoot(nil); root != (kademlia.Hash{}) {
		t.Fatalf("expected zero hash for empty tx set, got %v", root)
	}
}

func TestMerkleRootSingleLeafIsItself(t *testing.T) {
	tx := txWithHash(7)
	if root := MerkleRoot([]*Transaction{tx}); root != tx.Hash {
		t.Fatalf("single-leaf root should equal the leaf hash")
	}
}

func TestMerkleRootIsStableUnderDuplicateLastPairing(t *testing.T) {
	txs := []*Transaction{txWithHash(1), txWithHash(2), txWithHash(3)}
	root1 := MerkleRoot(txs)
	root2 := MerkleRoot(txs)
	if root1 != root2 {
		t.Fatal("merkle root must be deterministic")
	}

	other := []*Transaction{txWithHash(1), txWithHash(2), txWithHash(9)}
	if MerkleRoot(other) == root1 {
		t.Fatal("changing a leaf must change the root")
	}
}

func TestMerkleProofRoundTrip(t *testing.T) {
	txs := []*Transaction{txWithHash(1), txWithHash(2), txWithHash(3), txWithHash(4), txWithHash(5)}
	root := MerkleRoot(txs)

	for i, tx := range txs {
		proof, ok := BuildMerkleProof(txs, i)
		if !ok {
			t.Fatalf("expected proof to build for index %d", i)
		}
		if !VerifyMerkleProof(tx.Hash, proof, root) {
			t.Fatalf("proof for index %d did not verify against root", i)
		}
	}
}

func TestMerkleProofFailsForWrongLeaf(t *testing.T) {
	txs := []*Transaction{txWithHash(1), txWithHash(2), txWithHash(3)}
	root := MerkleRoot(txs)

	proof, ok := BuildMerkleProof(txs, 0)
	if !ok {
		t.Fatal("expected proof to build")
	}
	if VerifyMerkleProof(txWithHash(99).Hash, proof, root) {
		t.Fatal("proof should not verify against an unrelated leaf")
	}
}

func TestBuildMerkleProofRejectsOutOfRange(t *testing.T) {
	txs := []*Transaction{txWithHash(1)}
	if _, ok := BuildMerkleProof(txs, 5); ok {
		t.Fatal("expected out-of-range index to be rejected")
	}
}
