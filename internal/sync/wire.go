// Package sync implements C7: the sync/gossip layer that rides inside the
// DHT's STORE and FIND_VALUE RPCs rather than opening a dedicated
// transport, since the overlay's only peer-to-peer channel is the
// Kademlia service itself.
package sync

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
)

// messageKind tags an Envelope's payload so a receiver can log and
// dispatch on it without reflecting over which pointer field is set.
type messageKind string

const (
	kindNewBlock       messageKind = "new_block"
	kindNewTransaction messageKind = "new_transaction"
	kindSnapshotReply  messageKind = "snapshot_reply"
)

// wireBlock and wireTransaction are gob-friendly flat projections of the
// chain engine's types: ledger.Block keeps its header in an unexported type,
// so blocks are rebuilt on the receiving side through
// ledger.ReconstructBlock, and their transactions travel alongside as
// field-by-field copies.
type wireTransaction struct {
	Sender    []byte
	Receiver  []byte
	Timestamp int64
	Variant   uint8
	Amount    uint64
	Payload   []byte
	Nonce     uint64
	Fee       uint64
	Expiry    int64
	Signature []byte
	Hash      kademlia.Hash
}

type wireBlock struct {
	Index        uint64
	Timestamp    int64
	PrevHash     kademlia.Hash
	MerkleRoot   kademlia.Hash
	Nonce        uint64
	Transactions []wireTransaction
	Hash         kademlia.Hash
}

// Envelope is the self-describing message wrapper gossiped between peers.
// Exactly one of the payload fields is populated, selected by Kind.
type Envelope struct {
	Kind               messageKind
	NewBlock           *wireBlock
	NewTransaction     *wireTransaction
	SnapshotReply      *SnapshotReply
}

// SnapshotReply is a stripped, read-only copy of a peer's committed chain:
// blocks and the difficulty they were mined under, but no fork table or
// per-peer balances.
type SnapshotReply struct {
	Blocks     []wireBlock
	Difficulty int
}

func init() {
	gob.Register(Envelope{})
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

func toWireTransaction(tx *ledger.Transaction) wireTransaction {
	return wireTransaction{
		Sender:    tx.Data.Sender,
		Receiver:  tx.Data.Receiver,
		Timestamp: tx.Data.Timestamp,
		Variant:   uint8(tx.Data.Variant),
		Amount:    tx.Data.Amount,
		Payload:   tx.Data.Payload,
		Nonce:     tx.Data.Nonce,
		Fee:       tx.Data.Fee,
		Expiry:    tx.Data.Expiry,
		Signature: tx.Signature,
		Hash:      tx.Hash,
	}
}

func fromWireTransaction(w wireTransaction) *ledger.Transaction {
	return &ledger.Transaction{
		Data: ledger.TxData{
			Sender:    w.Sender,
			Receiver:  w.Receiver,
			Timestamp: w.Timestamp,
			Variant:   ledger.Variant(w.Variant),
			Amount:    w.Amount,
			Payload:   w.Payload,
			Nonce:     w.Nonce,
			Fee:       w.Fee,
			Expiry:    w.Expiry,
		},
		Signature: w.Signature,
		Hash:      w.Hash,
	}
}

func toWireBlock(b *ledger.Block) wireBlock {
	txs := make([]wireTransaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		txs[i] = toWireTransaction(tx)
	}
	return wireBlock{
		Index:        b.Index(),
		Timestamp:    b.Timestamp().Unix(),
		PrevHash:     b.PrevHash(),
		MerkleRoot:   b.MerkleRoot(),
		Nonce:        b.Nonce(),
		Transactions: txs,
		Hash:         b.Hash,
	}
}

func fromWireBlock(w wireBlock) *ledger.Block {
	txs := make([]*ledger.Transaction, len(w.Transactions))
	for i, wt := range w.Transactions {
		txs[i] = fromWireTransaction(wt)
	}
	return ledger.ReconstructBlock(w.Index, w.Timestamp, w.PrevHash, w.MerkleRoot, w.Nonce, txs, w.Hash)
}
