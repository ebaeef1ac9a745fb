// Package identity implements C1: keypair generation/persistence, node id
// derivation, and transaction signing, built on the same secp256k1
// (btcec) and keyfile load-or-create idioms used throughout this
// codebase.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// Signature is a DER-encoded ECDSA signature over a message digest.
type Signature []byte

// Identity is the immutable triple (public key, private key, node id). It
// is keyed by the node's bound address so that multiple logical nodes on
// one host (e.g. in tests) get stable, distinct ids.
type Identity struct {
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
	NodeID  kademlia.ID
}

// keyfile is the on-disk JSON representation, one keyfile per bound
// address.
type keyfile struct {
	PrivateKeyHex string `json:"private_key"`
}

var log = logging.GetDefault().Component("identity")

// keyPath derives a deterministic keyfile path for a bound address.
func keyPath(dataDir, address string) string {
	safe := hex.EncodeToString(Keccak256([]byte(address))[:8])
	return filepath.Join(dataDir, fmt.Sprintf("identity-%s.json", safe))
}

// GenerateOrLoad loads a previously persisted keypair for address, or
// generates and persists a new one. A persistence failure during load
// (missing file, unreadable directory) falls through to generation; a
// corrupt persisted key is a fatal startup error, since continuing would
// silently mint a second identity behind the user's back.
func GenerateOrLoad(dataDir, address string) (*Identity, error) {
	path := keyPath(dataDir, address)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read keyfile, regenerating", "path", path, "error", err)
		}
		return generate(dataDir, path)
	}

	var kf keyfile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("corrupt keyfile %s: %w", path, err)
	}
	privBytes, err := hex.DecodeString(kf.PrivateKeyHex)
	if err != nil || len(privBytes) != 32 {
		return nil, fmt.Errorf("corrupt keyfile %s: invalid private key encoding", path)
	}

	priv, pub := btcec.PrivKeyFromBytes(privBytes)
	return &Identity{Private: priv, Public: pub, NodeID: DeriveID(pub)}, nil
}

func generate(dataDir, path string) (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub := priv.PubKey()

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	kf := keyfile{PrivateKeyHex: hex.EncodeToString(priv.Serialize())}
	raw, err := json.Marshal(kf)
	if err != nil {
		return nil, fmt.Errorf("marshal keyfile: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write keyfile: %w", err)
	}
	log.Info("generated new identity", "path", path)

	return &Identity{Private: priv, Public: pub, NodeID: DeriveID(pub)}, nil
}

// DeriveID computes the 160-bit node id as the first 20 bytes of the
// Keccak-256 digest over the compressed public key, the convention shared
// with transaction-hash and block-hash derivation (internal/ledger).
func DeriveID(pub *btcec.PublicKey) kademlia.ID {
	digest := Keccak256(pub.SerializeCompressed())
	return kademlia.IDFromBytes(digest[:kademlia.IDLength])
}

// Keccak256 is the digest used throughout the overlay and ledger: node id
// derivation, transaction/block hashing, Merkle nodes, and the JOIN
// proof-of-work. Grounded on the pack's go-ethereum/btcd preference for
// Keccak over SHA-256 in blockchain contexts.
func Keccak256(data ...[]byte) kademlia.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out kademlia.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Sign produces a deterministic (RFC 6979) ECDSA signature over the
// Keccak-256 digest of msg.
func (id *Identity) Sign(msg []byte) (Signature, error) {
	digest := Keccak256(msg)
	sig := ecdsa.Sign(id.Private, digest[:])
	return Signature(sig.Serialize()), nil
}

// Verify checks a signature over msg against a raw compressed public key.
func Verify(msg []byte, pubKeyCompressed []byte, sig Signature) bool {
	pub, err := btcec.ParsePubKey(pubKeyCompressed)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := Keccak256(msg)
	return parsed.Verify(digest[:], pub)
}

// GenerateRandomNonce is used by the sync layer to randomize response keys
// between calls so two concurrent snapshot requests never collide.
func GenerateRandomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	var n uint64
	for _, v := range b {
		n = n<<8 | uint64(v)
	}
	return n, nil
}
