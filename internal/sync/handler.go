package sync

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// requestPrefix tags a STORE value as a chain-snapshot request rather than
// an opaque application key. It is
// ASCII so it can never collide with a gob-encoded Envelope, which always
// begins with gob's own type-descriptor byte stream.
const requestPrefix = "REQUEST:"

// storer is the local key-value capability the handler needs to answer a
// snapshot request directly (bypassing the STORE RPC's own key, since the
// reply key is derived independently of the request key).
type storer interface {
	Put(key kademlia.ID, value []byte)
	Get(key kademlia.ID) ([]byte, bool)
}

// peerClient is the outbound capability the sync layer needs: STORE to
// push a message into a peer's inbox, FIND_VALUE to poll for a reply.
// internal/rpcnet.Client implements this.
type peerClient interface {
	Store(ctx context.Context, self, peer kademlia.Contact, key kademlia.ID, value []byte) (bool, error)
	FindValue(ctx context.Context, contact kademlia.Contact, key kademlia.ID) (value []byte, nodes []kademlia.Contact, err error)
}

// peerSource supplies the contacts the sync layer gossips to and
// reconciles against.
type peerSource interface {
	FindClosest(target kademlia.ID, k int) []kademlia.Contact
}

// Handler implements C7: it rides the DHT's STORE/FIND_VALUE RPCs as a
// request/response channel to move blocks and chain snapshots between
// peers, since the overlay has no other transport. It
// plugs into kademlia.Service as both a StoreInterceptor (decoding control
// messages riding inside STORE) and a JoinObserver (gifting the chain to
// a newly accepted peer).
type Handler struct {
	self   kademlia.Contact
	table  peerSource
	store  storer
	chain  *ledger.Chain
	pool   *ledger.Pool
	client peerClient
	log    *logging.Logger
}

// NewHandler wires the sync layer to its collaborators.
func NewHandler(self kademlia.Contact, table peerSource, store storer, chain *ledger.Chain, pool *ledger.Pool, client peerClient) *Handler {
	return &Handler{
		self:   self,
		table:  table,
		store:  store,
		chain:  chain,
		pool:   pool,
		client: client,
		log:    logging.GetDefault().Component("sync"),
	}
}

// InterceptStore implements kademlia.StoreInterceptor. It recognizes two
// shapes of control message riding inside STORE: a snapshot request
// (ASCII-prefixed) and a gossiped Envelope (gob-encoded NewBlock /
// NewTransaction). Anything else is not a control message and falls
// through to the raw key-value store.
func (h *Handler) InterceptStore(sender kademlia.Contact, key kademlia.ID, value []byte) (bool, []byte) {
	if rest, ok := strings.CutPrefix(string(value), requestPrefix); ok {
		h.handleSnapshotRequest(rest)
		return true, nil
	}

	env, err := decodeEnvelope(value)
	if err != nil {
		return false, nil
	}

	switch env.Kind {
	case kindNewBlock:
		h.handleNewBlock(env.NewBlock)
		return true, nil
	case kindNewTransaction:
		h.handleNewTransaction(env.NewTransaction)
		return true, nil
	default:
		// A decodable envelope with a kind we don't gossip as a STORE
		// payload (e.g. a stray snapshot reply); treat as unhandled so it
		// falls through rather than silently vanishing.
		return false, nil
	}
}

func (h *Handler) handleNewBlock(wb *wireBlock) {
	if wb == nil {
		return
	}
	block := fromWireBlock(*wb)
	if err := h.chain.AcceptBlock(block); err != nil {
		h.log.Debug("rejected gossiped block", "hash", block.Hash.String(), "error", err)
		return
	}
	h.pool.ProcessBlock(block)
	h.log.Info("accepted gossiped block", "index", block.Index(), "hash", block.Hash.String())
}

func (h *Handler) handleNewTransaction(wt *wireTransaction) {
	if wt == nil {
		return
	}
	tx := fromWireTransaction(*wt)
	if err := h.pool.Admit(tx); err != nil {
		h.log.Debug("rejected gossiped transaction", "hash", tx.Hash.String(), "error", err)
	}
}

// handleSnapshotRequest decodes the hex-encoded response key out of a
// "REQUEST:<hex>" control string and writes a stripped chain snapshot
// there directly, bypassing the STORE RPC's own key.
func (h *Handler) handleSnapshotRequest(hexResponseKey string) {
	raw, err := hex.DecodeString(hexResponseKey)
	if err != nil {
		h.log.Debug("malformed snapshot request key", "error", err)
		return
	}
	responseKey := kademlia.IDFromBytes(raw)

	env := Envelope{Kind: kindSnapshotReply, SnapshotReply: h.buildSnapshotReply()}
	encoded, err := encodeEnvelope(env)
	if err != nil {
		h.log.Warn("failed to encode snapshot reply", "error", err)
		return
	}
	h.store.Put(responseKey, encoded)
}

func (h *Handler) buildSnapshotReply() *SnapshotReply {
	blocks := h.chain.Blocks()
	wireBlocks := make([]wireBlock, len(blocks))
	for i, b := range blocks {
		wireBlocks[i] = toWireBlock(b)
	}
	return &SnapshotReply{Blocks: wireBlocks, Difficulty: ledger.Difficulty}
}

// OnPeerJoined implements kademlia.JoinObserver: a "blockchain gift" to a
// newly accepted peer, so it has the current tip without waiting for its
// own first reconciliation round.
func (h *Handler) OnPeerJoined(peer kademlia.Contact) {
	h.gossipBlock(context.Background(), peer, h.chain.Tip())
}

// BroadcastBlock gossips a freshly committed block to up to K of the
// closest known peers. It is lossy and
// best-effort: per-peer failures are swallowed, since reconciliation is
// the protocol's long-term source of truth.
func (h *Handler) BroadcastBlock(ctx context.Context, block *ledger.Block) {
	peers := h.table.FindClosest(h.self.ID, kademlia.K)
	for _, peer := range peers {
		if peer.ID == h.self.ID {
			continue
		}
		h.gossipBlock(ctx, peer, block)
	}
}

func (h *Handler) gossipBlock(ctx context.Context, peer kademlia.Contact, block *ledger.Block) {
	env := Envelope{Kind: kindNewBlock, NewBlock: wireBlockPtr(toWireBlock(block))}
	payload, err := encodeEnvelope(env)
	if err != nil {
		h.log.Warn("failed to encode block for gossip", "error", err)
		return
	}
	key := kademlia.IDFromBytes(block.Hash[:kademlia.IDLength])

	callCtx, cancel := context.WithTimeout(ctx, kademlia.RPCTimeout)
	defer cancel()
	if _, err := h.client.Store(callCtx, h.self, peer, key, payload); err != nil {
		h.log.Debug("block gossip failed", "peer", peer.ID.String(), "error", err)
	}
}

func wireBlockPtr(w wireBlock) *wireBlock { return &w }

// BroadcastTransaction gossips a freshly admitted transaction to a single
// peer; callers fan this out across their own closest-peer
// set, the way BroadcastBlock does internally for blocks.
func (h *Handler) BroadcastTransaction(ctx context.Context, peer kademlia.Contact, tx *ledger.Transaction) {
	env := Envelope{Kind: kindNewTransaction, NewTransaction: wireTransactionPtr(toWireTransaction(tx))}
	payload, err := encodeEnvelope(env)
	if err != nil {
		h.log.Warn("failed to encode transaction for gossip", "error", err)
		return
	}
	key := kademlia.IDFromBytes(tx.Hash[:kademlia.IDLength])

	callCtx, cancel := context.WithTimeout(ctx, kademlia.RPCTimeout)
	defer cancel()
	if _, err := h.client.Store(callCtx, h.self, peer, key, payload); err != nil {
		h.log.Debug("transaction gossip failed", "peer", peer.ID.String(), "error", err)
	}
}

func wireTransactionPtr(w wireTransaction) *wireTransaction { return &w }

// RequestSnapshot fetches a full chain snapshot from peer: it sends a
// STORE carrying a randomized request/response key pair, then polls
// FIND_VALUE at the response key up to three times with delays. Response keys are randomized per call so
// concurrent outstanding requests to different peers never collide.
func (h *Handler) RequestSnapshot(ctx context.Context, peer kademlia.Contact) (*SnapshotReply, error) {
	requestKey, responseKey, err := h.deriveSnapshotKeys(peer)
	if err != nil {
		return nil, fmt.Errorf("derive snapshot keys: %w", err)
	}

	control := requestPrefix + hex.EncodeToString(responseKey[:])
	storeCtx, cancel := context.WithTimeout(ctx, kademlia.RPCTimeout)
	defer cancel()
	if _, err := h.client.Store(storeCtx, h.self, peer, requestKey, []byte(control)); err != nil {
		return nil, fmt.Errorf("send snapshot request: %w", err)
	}

	const rounds = 3
	delay := kademlia.RPCTimeout
	for attempt := 0; attempt < rounds; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		findCtx, findCancel := context.WithTimeout(ctx, kademlia.RPCTimeout)
		value, _, err := h.client.FindValue(findCtx, peer, responseKey)
		findCancel()
		if err != nil || value == nil {
			continue
		}

		env, err := decodeEnvelope(value)
		if err != nil || env.Kind != kindSnapshotReply || env.SnapshotReply == nil {
			continue
		}
		return env.SnapshotReply, nil
	}

	return nil, fmt.Errorf("no snapshot reply from %s after %d rounds", peer.ID.String(), rounds)
}

// deriveSnapshotKeys derives a fresh (request, response) key pair from the
// requester's id, the peer's id, the current time, and randomness, so
// every call gets unique, unguessable keys.
func (h *Handler) deriveSnapshotKeys(peer kademlia.Contact) (request, response kademlia.ID, err error) {
	nonce, err := identity.GenerateRandomNonce()
	if err != nil {
		return kademlia.ID{}, kademlia.ID{}, err
	}
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	now := time.Now().UnixNano()
	var timeBytes [8]byte
	for i := 0; i < 8; i++ {
		timeBytes[7-i] = byte(now >> (8 * i))
	}

	reqHash := identity.Keccak256(h.self.ID[:], peer.ID[:], timeBytes[:], nonceBytes[:], []byte("req"))
	respHash := identity.Keccak256(h.self.ID[:], peer.ID[:], timeBytes[:], nonceBytes[:], []byte("resp"))
	return kademlia.IDFromBytes(reqHash[:kademlia.IDLength]), kademlia.IDFromBytes(respHash[:kademlia.IDLength]), nil
}

// Reconcile fetches snapshots from up to MaxNodesToSync of the closest
// known peers in parallel and picks one candidate: the one with the greatest
// height that strictly exceeds the local height, or, when the local chain is
// still just genesis and no candidate is strictly taller, the first
// non-empty one. Only that candidate is validated (by AdoptSnapshot); if it
// fails validation, no snapshot is adopted this round and the other
// candidates are not tried. Adoption clears the pool.
func (h *Handler) Reconcile(ctx context.Context) {
	peers := h.table.FindClosest(h.self.ID, ledger.MaxNodesToSync)

	type result struct {
		peer   kademlia.Contact
		blocks []*ledger.Block
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []result
	)
	for _, peer := range peers {
		if peer.ID == h.self.ID {
			continue
		}
		wg.Add(1)
		go func(peer kademlia.Contact) {
			defer wg.Done()
			snap, err := h.RequestSnapshot(ctx, peer)
			if err != nil {
				h.log.Debug("reconciliation snapshot fetch failed", "peer", peer.ID.String(), "error", err)
				return
			}
			blocks := make([]*ledger.Block, len(snap.Blocks))
			for i, wb := range snap.Blocks {
				blocks[i] = fromWireBlock(wb)
			}
			mu.Lock()
			results = append(results, result{peer: peer, blocks: blocks})
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	if len(results) == 0 {
		return
	}

	localHeight := h.chain.Height()
	var best *result
	for i := range results {
		r := &results[i]
		if len(r.blocks) == 0 {
			continue
		}
		height := uint64(len(r.blocks) - 1)
		if height > localHeight {
			if best == nil || height > uint64(len(best.blocks)-1) {
				best = r
			}
			continue
		}
		if localHeight == 0 && best == nil {
			best = r
		}
	}

	if best == nil {
		return
	}

	if err := h.chain.AdoptSnapshot(best.blocks); err != nil {
		h.log.Debug("rejected snapshot during reconciliation", "peer", best.peer.ID.String(), "error", err)
		return
	}
	h.pool.Clear(h.chain.CommittedNonces())
	h.log.Info("adopted chain via reconciliation", "peer", best.peer.ID.String(), "height", len(best.blocks)-1)
}
