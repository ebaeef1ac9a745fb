package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledgererr"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// Pool is the mempool of admitted, not-yet-committed transactions. All
// mutation happens under a single mutex; no I/O runs inside the critical
// section.
type Pool struct {
	mu        sync.Mutex
	byHash    map[kademlia.Hash]*Transaction
	bySender  map[PublicKeyHex][]*Transaction // ordered by nonce ascending
	nextNonce map[PublicKeyHex]uint64         // next nonce each sender may submit, advanced by ProcessBlock
	log       *logging.Logger
}

// NewPool constructs an empty pool.
func NewPool() *Pool {
	return &Pool{
		byHash:    make(map[kademlia.Hash]*Transaction),
		bySender:  make(map[PublicKeyHex][]*Transaction),
		nextNonce: make(map[PublicKeyHex]uint64),
		log:       logging.GetDefault().Component("pool"),
	}
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// Admit validates and inserts tx into the pool, applying its admission
// rules: signature/invariant validity, no duplicate
// hash, capacity (evicting the lowest fee-per-byte entry and retrying
// once when full), per-sender cap, nonce must be exactly one past the
// sender's current max pending (no gaps) and not already committed, no
// duplicate nonce, and a minimum fee-per-byte floor.
func (p *Pool) Admit(tx *Transaction) error {
	if err := tx.Verify(time.Now()); err != nil {
		return err
	}

	feePerByte, err := tx.FeePerByte()
	if err != nil {
		return ledgererr.Wrap(ledgererr.KindBadTransaction, "compute fee per byte", err)
	}
	if feePerByte < MinFeeRate {
		return ledgererr.New(ledgererr.KindBadTransaction, "fee per byte below minimum rate")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.byHash[tx.Hash]; dup {
		return ledgererr.New(ledgererr.KindBadTransaction, "transaction already pending")
	}

	sender := tx.SenderKey()
	pending := p.bySender[sender]

	if len(pending) >= MaxTxsPerSender {
		return ledgererr.New(ledgererr.KindBadTransaction, "sender has too many pending transactions")
	}

	baseline := p.nextNonce[sender]
	if tx.Data.Nonce < baseline {
		return ledgererr.New(ledgererr.KindBadTransaction, "nonce has already been committed")
	}

	maxNonce, hasPending := uint64(0), false
	for _, t := range pending {
		if !hasPending || t.Data.Nonce > maxNonce {
			maxNonce = t.Data.Nonce
			hasPending = true
		}
		if t.Data.Nonce == tx.Data.Nonce {
			return ledgererr.New(ledgererr.KindBadTransaction, "nonce duplicates a pending entry")
		}
	}
	if hasPending && tx.Data.Nonce > maxNonce+1 {
		return ledgererr.New(ledgererr.KindBadTransaction, "nonce introduces a gap")
	}
	if !hasPending && tx.Data.Nonce != baseline {
		return ledgererr.New(ledgererr.KindBadTransaction, "nonce must equal the sender's next expected nonce")
	}

	if len(p.byHash) >= MaxPoolSize {
		if !p.evictLowestFeeLocked() {
			return ledgererr.New(ledgererr.KindBadTransaction, "pool is full")
		}
		if len(p.byHash) >= MaxPoolSize {
			return ledgererr.New(ledgererr.KindBadTransaction, "pool is full")
		}
	}

	p.insertLocked(tx)
	return nil
}

// insertLocked adds tx to both indices, keeping bySender sorted by nonce.
// Callers must hold p.mu.
func (p *Pool) insertLocked(tx *Transaction) {
	p.byHash[tx.Hash] = tx
	sender := tx.SenderKey()
	list := append(p.bySender[sender], tx)
	sort.Slice(list, func(i, j int) bool { return list[i].Data.Nonce < list[j].Data.Nonce })
	p.bySender[sender] = list
}

// removeLocked drops tx from both indices. Callers must hold p.mu.
func (p *Pool) removeLocked(tx *Transaction) {
	delete(p.byHash, tx.Hash)
	sender := tx.SenderKey()
	list := p.bySender[sender]
	for i, t := range list {
		if t.Hash == tx.Hash {
			p.bySender[sender] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.bySender[sender]) == 0 {
		delete(p.bySender, sender)
	}
}

// evictLowestFeeLocked removes the single lowest fee-per-byte entry across
// the whole pool. Callers must hold p.mu.
func (p *Pool) evictLowestFeeLocked() bool {
	var victim *Transaction
	var victimFee uint64
	for _, tx := range p.byHash {
		fee, err := tx.FeePerByte()
		if err != nil {
			continue
		}
		if victim == nil || fee < victimFee {
			victim, victimFee = tx, fee
		}
	}
	if victim == nil {
		return false
	}
	p.removeLocked(victim)
	p.log.Debug("evicted lowest fee-per-byte entry to make room", "hash", victim.Hash.String())
	return true
}

// SelectForBlock returns up to MaxTransactionsPerBlock pending
// transactions ordered by descending fee-per-byte, honoring per-sender
// nonce order (a sender's transactions are only eligible once every lower
// nonce from that sender has already been selected).
func (p *Pool) SelectForBlock() []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	type candidate struct {
		tx  *Transaction
		fee uint64
	}

	cursor := make(map[PublicKeyHex]int, len(p.bySender))
	var heap []candidate
	for sender, list := range p.bySender {
		if len(list) == 0 {
			continue
		}
		fee, err := list[0].FeePerByte()
		if err != nil {
			continue
		}
		heap = append(heap, candidate{list[0], fee})
		cursor[sender] = 0
	}

	var selected []*Transaction
	for len(selected) < MaxTransactionsPerBlock && len(heap) > 0 {
		sort.Slice(heap, func(i, j int) bool { return heap[i].fee > heap[j].fee })
		best := heap[0]
		heap = heap[1:]

		selected = append(selected, best.tx)

		sender := best.tx.SenderKey()
		next := cursor[sender] + 1
		list := p.bySender[sender]
		if next < len(list) {
			fee, err := list[next].FeePerByte()
			if err == nil {
				cursor[sender] = next
				heap = append(heap, candidate{list[next], fee})
			}
		}
	}

	return selected
}

// ProcessBlock removes every transaction in block from the pool, advances
// each sender's committed-nonce baseline past the highest nonce the block
// committed for them, and sweeps any lingering pool entry from that sender
// whose nonce has fallen below the new baseline — called after a
// block commits, whether mined locally or received from a peer.
func (p *Pool) ProcessBlock(block *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	touched := make(map[PublicKeyHex]struct{}, len(block.Transactions))
	for _, tx := range block.Transactions {
		p.removeLocked(tx)
		sender := tx.SenderKey()
		touched[sender] = struct{}{}
		if next := tx.Data.Nonce + 1; next > p.nextNonce[sender] {
			p.nextNonce[sender] = next
		}
	}

	for sender := range touched {
		baseline := p.nextNonce[sender]
		list := p.bySender[sender]
		if len(list) == 0 {
			continue
		}
		kept := list[:0:0]
		for _, t := range list {
			if t.Data.Nonce >= baseline {
				kept = append(kept, t)
			} else {
				delete(p.byHash, t.Hash)
			}
		}
		if len(kept) == 0 {
			delete(p.bySender, sender)
		} else {
			p.bySender[sender] = kept
		}
	}
}

// PendingBySender returns a snapshot of a sender's pending transactions in
// nonce order.
func (p *Pool) PendingBySender(sender PublicKeyHex) []*Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.bySender[sender]
	out := make([]*Transaction, len(list))
	copy(out, list)
	return out
}

// Clear empties the pool, used after adopting a new chain during
// reconciliation. nonces reseeds each sender's committed-nonce baseline
// from the newly adopted chain (Chain.CommittedNonces), so admission keeps
// gating against the chain actually in effect instead of resetting to
// zero. A nil map leaves every sender's baseline at zero.
func (p *Pool) Clear(nonces map[PublicKeyHex]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byHash = make(map[kademlia.Hash]*Transaction)
	p.bySender = make(map[PublicKeyHex][]*Transaction)
	p.nextNonce = make(map[PublicKeyHex]uint64, len(nonces))
	for k, v := range nonces {
		p.nextNonce[k] = v
	}
}
