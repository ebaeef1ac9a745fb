package rpcnet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
)

// PeerID derives a libp2p peer.ID from a Contact's secp256k1 public key.
// The overlay's node id (kademlia.ID, derived by internal/identity from the
// same public key via Keccak-256) and the transport's peer.ID are two
// independent derivations from one key; Transport only needs the latter to
// dial, the former never leaves internal/kademlia.
func PeerID(c kademlia.Contact) (peer.ID, error) {
	pub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(c.PublicKey)
	if err != nil {
		return "", fmt.Errorf("unmarshal contact public key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

// AddrInfo builds the peer.AddrInfo the libp2p host needs to dial a
// Contact: its derived peer.ID plus its advertised multiaddr.
func AddrInfo(c kademlia.Contact) (peer.AddrInfo, error) {
	id, err := PeerID(c)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	ma, err := multiaddr.NewMultiaddr(c.Address)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("parse contact address %q: %w", c.Address, err)
	}
	return peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{ma}}, nil
}

// ContactFromAddrInfo recovers a kademlia.Contact from a libp2p AddrInfo by
// extracting the compressed secp256k1 public key embedded in its peer.ID
// (go-libp2p identity-multihash peer ids embed keys this small directly) and
// re-deriving the overlay node id from it the same way internal/identity
// does. Used to bootstrap JOIN against a peer we only know by multiaddr.
func ContactFromAddrInfo(pi peer.AddrInfo) (kademlia.Contact, error) {
	pub, err := pi.ID.ExtractPublicKey()
	if err != nil {
		return kademlia.Contact{}, fmt.Errorf("extract public key from peer id %s: %w", pi.ID, err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return kademlia.Contact{}, fmt.Errorf("marshal extracted public key: %w", err)
	}
	btcecPub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return kademlia.Contact{}, fmt.Errorf("parse extracted public key as secp256k1: %w", err)
	}
	if len(pi.Addrs) == 0 {
		return kademlia.Contact{}, fmt.Errorf("peer %s has no known address", pi.ID)
	}
	return kademlia.Contact{
		ID:        identity.DeriveID(btcecPub),
		Address:   pi.Addrs[0].String(),
		PublicKey: btcecPub.SerializeCompressed(),
	}, nil
}
