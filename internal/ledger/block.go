package ledger

import (
	"fmt"
	"math/big"
	"math/bits"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledgererr"
)

// blockHeader is the RLP-serialised portion of a block that the hash and
// proof-of-work commit to. Transactions are committed only via MerkleRoot,
// so the header stays small and mining only ever rehashes this struct.
// RLP has no signed integers, so serialize encodes Timestamp as its uint64
// bit pattern.
type blockHeader struct {
	Index      uint64
	Timestamp  int64
	PrevHash   kademlia.Hash
	MerkleRoot kademlia.Hash
	TxCount    uint32
	Nonce      uint64
}

// Block is a mined, linked unit of the chain.
type Block struct {
	Header       blockHeader
	Transactions []*Transaction
	Hash         kademlia.Hash
}

// Index, Timestamp, PrevHash, and Nonce expose the header fields that
// callers outside this package need without reaching into Header directly.
func (b *Block) Index() uint64            { return b.Header.Index }
func (b *Block) Timestamp() time.Time     { return time.Unix(b.Header.Timestamp, 0) }
func (b *Block) PrevHash() kademlia.Hash  { return b.Header.PrevHash }
func (b *Block) MerkleRoot() kademlia.Hash { return b.Header.MerkleRoot }
func (b *Block) Nonce() uint64            { return b.Header.Nonce }

func (h blockHeader) serialize() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{h.Index, uint64(h.Timestamp), h.PrevHash, h.MerkleRoot, h.TxCount, h.Nonce})
}

// computeHash returns Keccak256 of the header's canonical encoding.
func (h blockHeader) computeHash() (kademlia.Hash, error) {
	raw, err := h.serialize()
	if err != nil {
		return kademlia.Hash{}, fmt.Errorf("serialize block header: %w", err)
	}
	return identity.Keccak256(raw), nil
}

// newCandidateBlock builds an unmined block header (nonce zero) over txs,
// linked to prev. The caller must call Mine before Hash is meaningful.
func newCandidateBlock(index uint64, prevHash kademlia.Hash, txs []*Transaction, timestamp time.Time) *Block {
	return &Block{
		Header: blockHeader{
			Index:      index,
			Timestamp:  timestamp.Unix(),
			PrevHash:   prevHash,
			MerkleRoot: MerkleRoot(txs),
			TxCount:    uint32(len(txs)),
		},
		Transactions: txs,
	}
}

// ReconstructBlock rebuilds a Block from its wire-level fields, used by the
// sync layer (internal/sync) when decoding a gossiped block or chain
// snapshot. It trusts the caller's hash rather than recomputing it here;
// Validate is what actually re-derives and checks it before commit.
func ReconstructBlock(index uint64, timestamp int64, prevHash kademlia.Hash, merkleRoot kademlia.Hash, nonce uint64, txs []*Transaction, hash kademlia.Hash) *Block {
	return &Block{
		Header: blockHeader{
			Index:      index,
			Timestamp:  timestamp,
			PrevHash:   prevHash,
			MerkleRoot: merkleRoot,
			TxCount:    uint32(len(txs)),
			Nonce:      nonce,
		},
		Transactions: txs,
		Hash:         hash,
	}
}

// Mine searches for a nonce whose header hash satisfies Difficulty leading
// hex-zero characters, bounded by MaxMiningTime wall-clock. It mutates the
// block's header Nonce and Hash in place on success.
func (b *Block) Mine(maxDuration time.Duration) error {
	deadline := time.Now().Add(maxDuration)
	for nonce := uint64(0); ; nonce++ {
		if nonce%4096 == 0 && time.Now().After(deadline) {
			return ledgererr.New(ledgererr.KindInternal, "mining exceeded maximum allotted time")
		}
		b.Header.Nonce = nonce
		hash, err := b.Header.computeHash()
		if err != nil {
			return fmt.Errorf("compute candidate hash: %w", err)
		}
		if meetsDifficulty(hash, Difficulty) {
			b.Hash = hash
			return nil
		}
	}
}

// meetsDifficulty reports whether hash's hex representation begins with at
// least difficulty zero characters.
func meetsDifficulty(hash kademlia.Hash, difficulty int) bool {
	hex := hash.String()
	if difficulty > len(hex) {
		difficulty = len(hex)
	}
	return strings.Count(hex[:difficulty], "0") == difficulty
}

// leadingZeroBits counts the number of leading zero bits across hash.
func leadingZeroBits(hash kademlia.Hash) int {
	n := 0
	for _, b := range hash {
		lz := bits.LeadingZeros8(b)
		n += lz
		if lz < 8 {
			break
		}
	}
	return n
}

// Work returns this block's contribution to cumulative chain work:
// 2^leadingZeroBits(hash). A big.Int avoids overflow across long fork
// comparisons.
func (b *Block) Work() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(leadingZeroBits(b.Hash)))
}

// verifyProofOfWork reports whether the block's stored hash both matches
// its header contents and satisfies the required difficulty.
func (b *Block) verifyProofOfWork(difficulty int) error {
	wantHash, err := b.Header.computeHash()
	if err != nil {
		return ledgererr.Wrap(ledgererr.KindBadBlock, "recompute header hash", err)
	}
	if wantHash != b.Hash {
		return ledgererr.New(ledgererr.KindBadBlock, "hash does not match header contents")
	}
	if !meetsDifficulty(b.Hash, difficulty) {
		return ledgererr.New(ledgererr.KindBadBlock, "hash does not satisfy required difficulty")
	}
	return nil
}
