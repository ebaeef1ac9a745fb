// Package ledger implements C5 (the transaction pool) and C6 (the chain
// engine): block/transaction types, Merkle commitments, proof-of-work
// mining, validation, fork tracking, and balance bookkeeping.
package ledger

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledgererr"
)

// Variant distinguishes the two transaction shapes a block may carry.
type Variant uint8

const (
	VariantTransfer Variant = iota
	VariantData
)

// PublicKeyHex is a compressed secp256k1 public key rendered as hex, used
// as a map key for balances and genesis allocation.
type PublicKeyHex string

// TxData carries every field of a transaction except the signature and
// hash, which live alongside it in Transaction. It is serialised as an RLP
// list of its fields in declaration order, giving the deterministic,
// self-describing serialisation the hash derivation needs — the same
// codec choice go-ethereum makes for its own transaction envelope. RLP has
// no signed integers, so Timestamp and Expiry are encoded as their uint64
// bit patterns.
type TxData struct {
	Sender    []byte // compressed secp256k1 public key
	Receiver  []byte // compressed secp256k1 public key, empty for data txs
	Timestamp int64  // unix seconds
	Variant   Variant
	Amount    uint64
	Payload   []byte
	Nonce     uint64
	Fee       uint64
	Expiry    int64 // unix seconds, 0 means no expiry
}

// Transaction is the signed, hashed envelope around TxData.
type Transaction struct {
	Data      TxData
	Signature identity.Signature
	Hash      kademlia.Hash
}

// serialize returns the canonical RLP encoding of (Data, Signature), the
// input to the transaction hash.
func (tx *Transaction) serialize() ([]byte, error) {
	return rlp.EncodeToBytes([]interface{}{tx.Data.rlpFields(), []byte(tx.Signature)})
}

// serializeData returns the canonical RLP encoding of Data alone, the
// message actually signed.
func (d TxData) serializeData() ([]byte, error) {
	return rlp.EncodeToBytes(d.rlpFields())
}

// rlpFields lists d's fields in declaration order in RLP-encodable form.
func (d TxData) rlpFields() []interface{} {
	return []interface{}{d.Sender, d.Receiver, uint64(d.Timestamp), d.Variant, d.Amount, d.Payload, d.Nonce, d.Fee, uint64(d.Expiry)}
}

// computeHash recomputes the transaction's hash from its current Data and
// Signature fields.
func (tx *Transaction) computeHash() (kademlia.Hash, error) {
	raw, err := tx.serialize()
	if err != nil {
		return kademlia.Hash{}, fmt.Errorf("serialize transaction: %w", err)
	}
	return identity.Keccak256(raw), nil
}

// NewSignedTransaction builds and signs a transaction with the given
// identity, stamping the current timestamp and computing the hash.
func NewSignedTransaction(id *identity.Identity, data TxData) (*Transaction, error) {
	data.Sender = id.Public.SerializeCompressed()
	data.Timestamp = time.Now().Unix()

	msg, err := data.serializeData()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction data: %w", err)
	}
	sig, err := id.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	tx := &Transaction{Data: data, Signature: sig}
	hash, err := tx.computeHash()
	if err != nil {
		return nil, err
	}
	tx.Hash = hash
	return tx, nil
}

// RecomputeHash recomputes the transaction's hash from its current Data and
// Signature fields, exported for callers (e.g. the admin RPC) that
// assemble a Transaction from externally-signed wire fields rather than
// through NewSignedTransaction.
func (tx *Transaction) RecomputeHash() (kademlia.Hash, error) { return tx.computeHash() }

// SenderKey returns the sender's public key as a map key for balances.
func (tx *Transaction) SenderKey() PublicKeyHex { return PublicKeyHex(hexEncode(tx.Data.Sender)) }

// ReceiverKey returns the receiver's public key as a map key; only
// meaningful for transfer transactions.
func (tx *Transaction) ReceiverKey() PublicKeyHex { return PublicKeyHex(hexEncode(tx.Data.Receiver)) }

// EstimatedSize is the deterministic byte-size estimate used for
// fee-per-byte accounting: serialised length plus a small fixed overhead.
func (tx *Transaction) EstimatedSize() (int, error) {
	raw, err := tx.serialize()
	if err != nil {
		return 0, err
	}
	return len(raw) + TxSizeOverhead, nil
}

// GasCost returns the gas estimate for this transaction's type: a fixed
// cost for transfers, fixed-plus-linear-in-payload for data.
func (tx *Transaction) GasCost() uint64 {
	if tx.Data.Variant == VariantTransfer {
		return TransferGas
	}
	return DataGasBase + DataGasPerByte*uint64(len(tx.Data.Payload))
}

// FeePerByte returns the transaction's fee-per-byte ratio used to order
// pool entries and block assembly, as a fixed-point value scaled by 1e6 to
// avoid floating point in consensus-relevant comparisons.
func (tx *Transaction) FeePerByte() (uint64, error) {
	size, err := tx.EstimatedSize()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, nil
	}
	return (tx.Data.Fee * 1_000_000) / uint64(size), nil
}

// Verify checks every cooperative invariant a transaction must satisfy
// before admission: hash integrity, per-variant field rules, timestamp
// skew, and the signature.
func (tx *Transaction) Verify(now time.Time) error {
	wantHash, err := tx.computeHash()
	if err != nil {
		return ledgererr.Wrap(ledgererr.KindBadTransaction, "recompute hash", err)
	}
	if wantHash != tx.Hash {
		return ledgererr.New(ledgererr.KindBadTransaction, "hash does not match contents")
	}

	switch tx.Data.Variant {
	case VariantTransfer:
		if tx.Data.Amount == 0 {
			return ledgererr.New(ledgererr.KindBadTransaction, "transfer amount must be positive")
		}
		if len(tx.Data.Receiver) == 0 {
			return ledgererr.New(ledgererr.KindBadTransaction, "transfer requires a receiver")
		}
	case VariantData:
		if len(tx.Data.Payload) == 0 {
			return ledgererr.New(ledgererr.KindBadTransaction, "data transaction requires a non-empty payload")
		}
		if len(tx.Data.Payload) > MaxDataPayload {
			return ledgererr.New(ledgererr.KindBadTransaction, "data payload exceeds maximum size")
		}
	default:
		return ledgererr.New(ledgererr.KindBadTransaction, "unknown transaction variant")
	}

	skew := now.Sub(time.Unix(tx.Data.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return ledgererr.New(ledgererr.KindBadTransaction, "timestamp outside acceptable skew")
	}
	if tx.Data.Expiry != 0 && now.After(time.Unix(tx.Data.Expiry, 0)) {
		return ledgererr.New(ledgererr.KindBadTransaction, "transaction has expired")
	}

	msg, err := tx.Data.serializeData()
	if err != nil {
		return ledgererr.Wrap(ledgererr.KindBadTransaction, "serialize data for verification", err)
	}
	if !identity.Verify(msg, tx.Data.Sender, tx.Signature) {
		return ledgererr.New(ledgererr.KindBadTransaction, "signature does not verify")
	}

	return nil
}

// Equal reports whether two transactions are byte-identical, used for
// duplicate detection.
func (tx *Transaction) Equal(other *Transaction) bool {
	return bytes.Equal(tx.Hash[:], other.Hash[:])
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
