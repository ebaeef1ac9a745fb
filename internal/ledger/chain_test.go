package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mineBlock(t *testing.T, chain *Chain, txs []*Transaction) *Block {
	t.Helper()
	block := chain.CreateBlock(txs)
	require.NoError(t, block.Mine(time.Second))
	return block
}

func TestGenesisChainHasSeededBalances(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	key := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))
	chain := NewGenesisChain(map[PublicKeyHex]uint64{key: 1000})

	require.Equal(t, uint64(0), chain.Height())
	require.Equal(t, uint64(1000), chain.Balance(key))
}

func TestCommitAppliesBalanceEffects(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	aliceKey := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))
	bobKey := PublicKeyHex(hexEncode(bob.Public.SerializeCompressed()))

	Difficulty = 1
	defer func() { Difficulty = 2 }()
	MinBlockTime = 0
	defer func() { MinBlockTime = 1 * time.Second }()

	chain := NewGenesisChain(map[PublicKeyHex]uint64{aliceKey: 1000})
	tx := signedTransfer(t, alice, bob, 0, 100, 10)

	block := mineBlock(t, chain, []*Transaction{tx})
	require.NoError(t, chain.Commit(block))

	require.Equal(t, uint64(1), chain.Height())
	require.Equal(t, uint64(890), chain.Balance(aliceKey))
	require.Equal(t, uint64(100), chain.Balance(bobKey))
}

func TestCommitRejectsInsufficientBalance(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	aliceKey := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))

	Difficulty = 1
	defer func() { Difficulty = 2 }()
	MinBlockTime = 0
	defer func() { MinBlockTime = 1 * time.Second }()

	chain := NewGenesisChain(map[PublicKeyHex]uint64{aliceKey: 5})
	tx := signedTransfer(t, alice, bob, 0, 100, 10)

	block := mineBlock(t, chain, []*Transaction{tx})
	err := chain.Commit(block)
	require.Error(t, err)
	require.Equal(t, uint64(0), chain.Height())
}

func TestCommitRejectsBadLink(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	aliceKey := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))

	Difficulty = 1
	defer func() { Difficulty = 2 }()

	chain := NewGenesisChain(map[PublicKeyHex]uint64{aliceKey: 1000})
	block := newCandidateBlock(5, [32]byte{0xAA}, nil, time.Now())
	require.NoError(t, block.Mine(time.Second))

	err := chain.Commit(block)
	require.Error(t, err)
}

func TestCommitRejectsOutOfOrderNonce(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	aliceKey := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))

	Difficulty = 1
	defer func() { Difficulty = 2 }()
	MinBlockTime = 0
	defer func() { MinBlockTime = 1 * time.Second }()

	chain := NewGenesisChain(map[PublicKeyHex]uint64{aliceKey: 1000})
	tx := signedTransfer(t, alice, bob, 1, 100, 10) // skips nonce 0

	block := mineBlock(t, chain, []*Transaction{tx})
	err := chain.Commit(block)
	require.Error(t, err)
	require.Equal(t, uint64(0), chain.Height())
}

func TestCommitAdvancesCommittedNonceAndAllowsNextBatch(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	bob := newTestIdentity(t, "bob")
	aliceKey := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))

	Difficulty = 1
	defer func() { Difficulty = 2 }()
	MinBlockTime = 0
	defer func() { MinBlockTime = 1 * time.Second }()

	chain := NewGenesisChain(map[PublicKeyHex]uint64{aliceKey: 1000})

	first := signedTransfer(t, alice, bob, 0, 100, 10)
	firstBlock := mineBlock(t, chain, []*Transaction{first})
	require.NoError(t, chain.Commit(firstBlock))
	require.Equal(t, uint64(1), chain.CommittedNonces()[aliceKey])

	second := signedTransfer(t, alice, bob, 1, 100, 10)
	secondBlock := mineBlock(t, chain, []*Transaction{second})
	require.NoError(t, chain.Commit(secondBlock))
	require.Equal(t, uint64(2), chain.CommittedNonces()[aliceKey])
	require.Equal(t, uint64(780), chain.Balance(aliceKey))

	replay := signedTransfer(t, alice, bob, 0, 100, 10)
	replayBlock := mineBlock(t, chain, []*Transaction{replay})
	err := chain.Commit(replayBlock)
	require.Error(t, err, "replaying an already-committed nonce must be rejected")
}

func TestForkAdoptedWhenCumulativeWorkExceedsMain(t *testing.T) {
	alice := newTestIdentity(t, "alice")
	aliceKey := PublicKeyHex(hexEncode(alice.Public.SerializeCompressed()))

	Difficulty = 1
	defer func() { Difficulty = 2 }()
	MinBlockTime = 0
	defer func() { MinBlockTime = 1 * time.Second }()

	chain := NewGenesisChain(map[PublicKeyHex]uint64{aliceKey: 1000})

	mainBlock := mineBlock(t, chain, nil)
	require.NoError(t, chain.Commit(mainBlock))

	genesis := chain.BlockAt(0)
	var forkBlock *Block
	for {
		candidate := newCandidateBlock(1, genesis.Hash, nil, time.Now())
		require.NoError(t, candidate.Mine(time.Second))
		if candidate.Work().Cmp(mainBlock.Work()) > 0 {
			forkBlock = candidate
			break
		}
		if candidate.Header.Nonce > 200000 {
			t.Skip("could not find a higher-work fork block within test budget")
		}
	}

	err := chain.AcceptBlock(forkBlock)
	require.NoError(t, err)
	require.Equal(t, forkBlock.Hash, chain.Tip().Hash)
}
