package ledger

import (
	"sync"
	"time"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledgererr"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// Chain holds the committed block list, derived balances, and the fork
// table, all guarded by a single reader-writer lock. No network or disk
// I/O ever runs inside the lock.
type Chain struct {
	mu       sync.RWMutex
	blocks   []*Block
	balances map[PublicKeyHex]uint64
	nonces   map[PublicKeyHex]uint64 // next nonce each sender may commit, derived by replaying every committed transaction
	forks    map[kademlia.Hash]*forkBranch
	log      *logging.Logger
}

// NewGenesisChain constructs a chain containing only the genesis block,
// seeded with alloc.
func NewGenesisChain(alloc map[PublicKeyHex]uint64) *Chain {
	genesis := &Block{
		Header: blockHeaderFor(0, kademlia.Hash{}, nil, time.Unix(0, 0)),
	}
	hash, err := genesis.Header.computeHash()
	if err != nil {
		// blockHeader serialisation can only fail on an unsupported RLP
		// shape, which genesis never exercises; a failure here indicates a
		// programming error, not a runtime condition.
		panic("compute genesis hash: " + err.Error())
	}
	genesis.Hash = hash

	balances := make(map[PublicKeyHex]uint64, len(alloc))
	for k, v := range alloc {
		balances[k] = v
	}

	return &Chain{
		blocks:   []*Block{genesis},
		balances: balances,
		nonces:   make(map[PublicKeyHex]uint64),
		forks:    make(map[kademlia.Hash]*forkBranch),
		log:      logging.GetDefault().Component("chain"),
	}
}

func blockHeaderFor(index uint64, prevHash kademlia.Hash, txs []*Transaction, timestamp time.Time) blockHeader {
	return blockHeader{
		Index:      index,
		Timestamp:  timestamp.Unix(),
		PrevHash:   prevHash,
		MerkleRoot: MerkleRoot(txs),
		TxCount:    uint32(len(txs)),
	}
}

// Height returns the index of the most recently committed block.
func (c *Chain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Header.Index
}

// Tip returns the most recently committed block.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

// BlockAt returns the committed block at index, or nil if out of range.
func (c *Chain) BlockAt(index uint64) *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[index]
}

// Balance returns the current balance for a public key, 0 if unknown.
func (c *Chain) Balance(key PublicKeyHex) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances[key]
}

// CommittedNonces returns a snapshot of the next nonce each sender may
// commit, derived from every transaction committed so far. Used to reseed
// the pool's own admission baseline after it is cleared (e.g. when
// reconciliation adopts a new chain wholesale).
func (c *Chain) CommittedNonces() map[PublicKeyHex]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[PublicKeyHex]uint64, len(c.nonces))
	for k, v := range c.nonces {
		out[k] = v
	}
	return out
}

// Blocks returns a read-only snapshot of the committed chain, used by the
// sync layer to build full-chain snapshots without exposing the mutable
// slice.
func (c *Chain) Blocks() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// CreateBlock assembles an unmined candidate over txs, linked to the
// current tip.
func (c *Chain) CreateBlock(txs []*Transaction) *Block {
	c.mu.RLock()
	tip := c.blocks[len(c.blocks)-1]
	c.mu.RUnlock()
	return newCandidateBlock(tip.Header.Index+1, tip.Hash, txs, time.Now())
}

// Validate runs the nine-point rule set against candidate,
// assuming it links directly to parent. It validates against the chain's
// own committed balances and nonces.
func (c *Chain) Validate(candidate *Block, parent *Block) error {
	c.mu.RLock()
	balances := make(map[PublicKeyHex]uint64, len(c.balances))
	for k, v := range c.balances {
		balances[k] = v
	}
	nonces := make(map[PublicKeyHex]uint64, len(c.nonces))
	for k, v := range c.nonces {
		nonces[k] = v
	}
	c.mu.RUnlock()
	return validateAgainst(candidate, parent, balances, nonces)
}

// validateAgainst runs the nine-point rule set against
// candidate using caller-owned balances and nonces maps, which it mutates
// as scratch copies. It never touches Chain's lock or fields, so both
// Commit (holding the write lock) and fork validation (replaying a
// standalone balance map) can call it directly. Each transaction is
// applied exactly once here; callers must not re-apply it afterward.
func validateAgainst(candidate *Block, parent *Block, balances map[PublicKeyHex]uint64, nonces map[PublicKeyHex]uint64) error {
	wantHash, err := candidate.Header.computeHash()
	if err != nil {
		return ledgererr.Wrap(ledgererr.KindBadBlock, "recompute header hash", err)
	}
	if wantHash != candidate.Hash {
		return ledgererr.New(ledgererr.KindBadBlock, "stored hash does not match header contents")
	}

	if MerkleRoot(candidate.Transactions) != candidate.Header.MerkleRoot {
		return ledgererr.New(ledgererr.KindBadBlock, "merkle root does not match transactions")
	}

	if err := candidate.verifyProofOfWork(Difficulty); err != nil {
		return err
	}

	if candidate.Header.PrevHash != parent.Hash || candidate.Header.Index != parent.Header.Index+1 {
		return ledgererr.New(ledgererr.KindBadBlock, "block does not link to its claimed parent")
	}

	delta := candidate.Timestamp().Sub(parent.Timestamp())
	if delta < MinBlockTime || delta > MaxBlockTime {
		return ledgererr.New(ledgererr.KindBadBlock, "block interval outside permitted range")
	}
	if candidate.Timestamp().After(time.Now().Add(MaxBlockTimestampAhead)) {
		return ledgererr.New(ledgererr.KindBadBlock, "block timestamp too far in the future")
	}

	seen := make(map[kademlia.Hash]bool, len(candidate.Transactions))
	for _, tx := range candidate.Transactions {
		if seen[tx.Hash] {
			return ledgererr.New(ledgererr.KindBadBlock, "duplicate transaction hash within block")
		}
		seen[tx.Hash] = true
		if err := tx.Verify(candidate.Timestamp()); err != nil {
			return ledgererr.Wrap(ledgererr.KindBadBlock, "transaction failed verification", err)
		}
	}

	for _, tx := range candidate.Transactions {
		if err := applyTransaction(balances, nonces, tx); err != nil {
			return err
		}
	}

	return nil
}

// applyTransaction mutates balances and nonces in place for a single
// transaction. It fails if the transaction's nonce does not equal the
// sender's next expected nonce (enforcing monotonically increasing,
// gap-free sender nonces at the consensus level, not just in the pool), or
// if the sender's balance cannot cover amount+fee (transfer) or fee alone
// (data). Callers apply transactions in block order so a balance or nonce
// check against one transaction reflects the effects of every transaction
// before it in the same block.
func applyTransaction(balances map[PublicKeyHex]uint64, nonces map[PublicKeyHex]uint64, tx *Transaction) error {
	sender := tx.SenderKey()
	if tx.Data.Nonce != nonces[sender] {
		return ledgererr.New(ledgererr.KindBadBlock, "transaction nonce does not match sender's next expected nonce")
	}

	switch tx.Data.Variant {
	case VariantTransfer:
		cost := tx.Data.Amount + tx.Data.Fee
		if balances[sender] < cost {
			return ledgererr.New(ledgererr.KindBadBlock, "insufficient balance for transfer")
		}
		balances[sender] -= cost
		balances[tx.ReceiverKey()] += tx.Data.Amount
	case VariantData:
		if balances[sender] < tx.Data.Fee {
			return ledgererr.New(ledgererr.KindBadBlock, "insufficient balance for data transaction fee")
		}
		balances[sender] -= tx.Data.Fee
	default:
		return ledgererr.New(ledgererr.KindBadBlock, "unknown transaction variant")
	}
	nonces[sender] = tx.Data.Nonce + 1
	return nil
}

// Commit validates candidate against the current tip and, if valid,
// applies its balance effects and appends it. Validation and commit are
// atomic: on failure the chain is left completely untouched.
func (c *Chain) Commit(candidate *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.blocks[len(c.blocks)-1]
	working := make(map[PublicKeyHex]uint64, len(c.balances))
	for k, v := range c.balances {
		working[k] = v
	}
	workingNonces := make(map[PublicKeyHex]uint64, len(c.nonces))
	for k, v := range c.nonces {
		workingNonces[k] = v
	}
	if err := validateAgainst(candidate, tip, working, workingNonces); err != nil {
		return err
	}

	c.balances = working
	c.nonces = workingNonces
	c.blocks = append(c.blocks, candidate)
	c.log.Info("committed block", "index", candidate.Header.Index, "hash", candidate.Hash.String(), "txs", len(candidate.Transactions))
	return nil
}

// AcceptBlock is the single entry point for a block arriving from either
// local mining or the sync layer: it commits directly when the block
// links to the current tip, and otherwise hands off to fork tracking.
func (c *Chain) AcceptBlock(block *Block) error {
	c.mu.RLock()
	linksToTip := block.Header.PrevHash == c.blocks[len(c.blocks)-1].Hash
	c.mu.RUnlock()

	if linksToTip {
		return c.Commit(block)
	}
	return c.RegisterForkCandidate(block)
}

// AdoptSnapshot validates a full candidate chain from genesis and, if
// every link checks out, replaces the main chain and balances wholesale
// and discards every tracked fork. The candidate's genesis must match this
// node's own genesis hash — snapshots from a different network are
// rejected rather than silently adopted.
func (c *Chain) AdoptSnapshot(blocks []*Block) error {
	if len(blocks) == 0 {
		return ledgererr.New(ledgererr.KindBadBlock, "empty snapshot")
	}

	c.mu.RLock()
	ownGenesis := c.blocks[0].Hash
	c.mu.RUnlock()
	if blocks[0].Hash != ownGenesis {
		return ledgererr.New(ledgererr.KindBadBlock, "snapshot genesis does not match local genesis")
	}

	balances := make(map[PublicKeyHex]uint64)
	nonces := make(map[PublicKeyHex]uint64)
	parent := blocks[0]
	for i := 1; i < len(blocks); i++ {
		if err := validateAgainst(blocks[i], parent, balances, nonces); err != nil {
			return ledgererr.Wrap(ledgererr.KindBadBlock, "snapshot block failed validation", err)
		}
		parent = blocks[i]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append([]*Block{}, blocks...)
	c.balances = balances
	c.nonces = nonces
	c.forks = make(map[kademlia.Hash]*forkBranch)
	c.log.Info("adopted chain snapshot", "height", c.blocks[len(c.blocks)-1].Header.Index)
	return nil
}

// GenerateProof builds a Merkle inclusion proof for the transaction at
// txIndex within the block at blockIndex.
func (c *Chain) GenerateProof(blockIndex uint64, txIndex int) (MerkleProof, kademlia.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if blockIndex >= uint64(len(c.blocks)) {
		return MerkleProof{}, kademlia.Hash{}, false
	}
	block := c.blocks[blockIndex]
	proof, ok := BuildMerkleProof(block.Transactions, txIndex)
	return proof, block.Header.MerkleRoot, ok
}
