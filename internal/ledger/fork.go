package ledger

import (
	"math/big"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledgererr"
)

// forkBranch is a candidate alternate chain tail, diverging from the main
// chain at baseIndex (the last block the two chains share). blocks holds
// only the diverging tail, not the shared prefix, to keep fork bookkeeping
// cheap relative to chain height.
type forkBranch struct {
	baseIndex uint64
	baseHash  kademlia.Hash
	blocks    []*Block
}

func (f *forkBranch) tip() *Block { return f.blocks[len(f.blocks)-1] }

// cumulativeWork sums each block's Work contribution.
func (f *forkBranch) cumulativeWork() *big.Int {
	total := new(big.Int)
	for _, b := range f.blocks {
		total.Add(total, b.Work())
	}
	return total
}

// RegisterForkCandidate is invoked when a received block's prev_hash does
// not match the current tip. It either
// extends an existing fork whose tip matches the block's prev_hash, or
// starts a new fork rooted at whichever main-chain block the prev_hash
// names. The branch is validated end-to-end before being registered; a
// branch exceeding MAX_FORK_DEPTH or failing validation is rejected
// outright rather than stored.
func (c *Chain) RegisterForkCandidate(block *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.forks[block.Header.PrevHash]; ok {
		return c.extendForkLocked(existing, block)
	}
	return c.startForkLocked(block)
}

func (c *Chain) startForkLocked(block *Block) error {
	baseIndex, ok := c.findBlockIndexLocked(block.Header.PrevHash)
	if !ok {
		return ledgererr.New(ledgererr.KindForkRejected, "prev_hash does not match any known block")
	}

	tipIndex := c.blocks[len(c.blocks)-1].Header.Index
	if tipIndex < baseIndex || tipIndex-baseIndex > uint64(MaxForkDepth) {
		return ledgererr.New(ledgererr.KindForkRejected, "fork exceeds maximum depth")
	}

	branch := &forkBranch{
		baseIndex: baseIndex,
		baseHash:  block.Header.PrevHash,
		blocks:    []*Block{block},
	}
	if err := c.validateBranchLocked(branch); err != nil {
		return err
	}

	delete(c.forks, branch.baseHash)
	c.forks[block.Hash] = branch
	c.log.Info("registered fork candidate", "base_index", baseIndex, "tip", block.Hash.String())
	return c.resolveForksLocked()
}

func (c *Chain) extendForkLocked(existing *forkBranch, block *Block) error {
	tipIndex := existing.tip().Header.Index
	if tipIndex-existing.baseIndex+1 > uint64(MaxForkDepth) {
		return ledgererr.New(ledgererr.KindForkRejected, "fork exceeds maximum depth")
	}

	extended := &forkBranch{
		baseIndex: existing.baseIndex,
		baseHash:  existing.baseHash,
		blocks:    append(append([]*Block{}, existing.blocks...), block),
	}
	if err := c.validateBranchLocked(extended); err != nil {
		return err
	}

	delete(c.forks, existing.tip().Hash)
	c.forks[block.Hash] = extended
	c.log.Info("extended fork candidate", "base_index", extended.baseIndex, "tip", block.Hash.String())
	return c.resolveForksLocked()
}

// findBlockIndexLocked returns the index of the main-chain block with the
// given hash. Callers must hold c.mu.
func (c *Chain) findBlockIndexLocked(hash kademlia.Hash) (uint64, bool) {
	for _, b := range c.blocks {
		if b.Hash == hash {
			return b.Header.Index, true
		}
	}
	return 0, false
}

// validateBranchLocked replays the branch's full history — the shared
// main-chain prefix up to baseIndex, then every diverging block — against
// a from-scratch balance map, validating each link. Callers must hold
// c.mu.
func (c *Chain) validateBranchLocked(branch *forkBranch) error {
	balances := make(map[PublicKeyHex]uint64)
	nonces := make(map[PublicKeyHex]uint64)
	parent := c.blocks[0]
	for i := uint64(1); i <= branch.baseIndex; i++ {
		block := c.blocks[i]
		if err := validateAgainst(block, parent, balances, nonces); err != nil {
			return ledgererr.Wrap(ledgererr.KindForkRejected, "shared prefix failed replay", err)
		}
		parent = block
	}

	for _, block := range branch.blocks {
		if err := validateAgainst(block, parent, balances, nonces); err != nil {
			return ledgererr.Wrap(ledgererr.KindForkRejected, "fork block failed validation", err)
		}
		parent = block
	}

	return nil
}

// resolveForksLocked reorganises onto a competing fork: drop forks
// past the depth limit or that fail validation, then adopt the first
// remaining fork whose cumulative work strictly exceeds the main chain's.
// Callers must hold c.mu.
func (c *Chain) resolveForksLocked() error {
	mainTipIndex := c.blocks[len(c.blocks)-1].Header.Index

	for tipHash, branch := range c.forks {
		if branch.tip().Header.Index-branch.baseIndex > uint64(MaxForkDepth) {
			delete(c.forks, tipHash)
			continue
		}
		if err := c.validateBranchLocked(branch); err != nil {
			delete(c.forks, tipHash)
			continue
		}
	}

	mainWork := c.cumulativeWorkLocked(0, mainTipIndex)

	var winner *forkBranch
	for _, branch := range c.forks {
		prefixWork := c.cumulativeWorkLocked(0, branch.baseIndex)
		total := new(big.Int).Add(prefixWork, branch.cumulativeWork())
		if total.Cmp(mainWork) > 0 {
			winner = branch
			break
		}
	}

	if winner == nil {
		return nil
	}

	newBlocks := append(append([]*Block{}, c.blocks[:winner.baseIndex+1]...), winner.blocks...)
	newBalances := make(map[PublicKeyHex]uint64)
	newNonces := make(map[PublicKeyHex]uint64)
	for i := 1; i < len(newBlocks); i++ {
		for _, tx := range newBlocks[i].Transactions {
			if err := applyTransaction(newBalances, newNonces, tx); err != nil {
				return ledgererr.Wrap(ledgererr.KindInternal, "replay balances for adopted fork", err)
			}
		}
	}

	c.log.Info("reorganised to new chain", "new_tip", newBlocks[len(newBlocks)-1].Hash.String(), "old_height", mainTipIndex)
	c.blocks = newBlocks
	c.balances = newBalances
	c.nonces = newNonces
	c.forks = make(map[kademlia.Hash]*forkBranch)
	return nil
}

// cumulativeWorkLocked sums Work for committed main-chain blocks in
// [from, to] inclusive. Callers must hold c.mu.
func (c *Chain) cumulativeWorkLocked(from, to uint64) *big.Int {
	total := new(big.Int)
	for i := from; i <= to && i < uint64(len(c.blocks)); i++ {
		total.Add(total, c.blocks[i].Work())
	}
	return total
}
