// Package kademlia implements C2 (k-bucket/routing table), C3 (the DHT
// service's five RPCs), and C4 (the iterative lookup engine).
package kademlia

import (
	"context"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/ledgerd/internal/ledgererr"
	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// Dialer is the transport capability the service needs: issuing a single
// outbound RPC to a contact and getting back a decoded response or an
// error. internal/rpcnet.Client implements this; Service holds only
// this narrow interface, not the transport or the libp2p host, keeping the
// ownership direction non-cyclic.
type Dialer interface {
	Ping(ctx context.Context, c Contact) (alive bool, err error)
}

// StoreInterceptor lets the sync layer (C7) intercept STORE calls to
// recognize blockchain control messages before they hit the raw key-value
// store. It returns handled=true when it consumed the value; response, if
// non-nil, is what gets written at key instead of the raw value.
type StoreInterceptor interface {
	InterceptStore(sender Contact, key ID, value []byte) (handled bool, response []byte)
}

// JoinObserver is notified after a JOIN is accepted, so the sync layer can
// kick off a blockchain gift to the new peer without the service knowing
// anything about blocks.
type JoinObserver interface {
	OnPeerJoined(c Contact)
}

// Service implements the five overlay RPCs. It holds non-owning references
// to the routing table and local store; it never embeds a full node.
type Service struct {
	table     *RoutingTable
	store     *Store
	dialer    Dialer
	self      Contact
	store7    StoreInterceptor
	joinObs   JoinObserver
	log       *logging.Logger
}

// NewService wires a Service to its collaborators. store7 and joinObs may
// be nil until the sync layer is attached (SetSyncHandlers), letting node
// wiring construct the service before the sync layer exists.
func NewService(table *RoutingTable, store *Store, dialer Dialer, self Contact) *Service {
	return &Service{
		table:  table,
		store:  store,
		dialer: dialer,
		self:   self,
		log:    logging.GetDefault().Component("dht-service"),
	}
}

// SetSyncHandlers attaches the sync layer's STORE interceptor and JOIN
// observer once it has been constructed (it in turn depends on this
// service for gossip, so the wiring is necessarily two-phase).
func (s *Service) SetSyncHandlers(interceptor StoreInterceptor, observer JoinObserver) {
	s.store7 = interceptor
	s.joinObs = observer
}

// touch runs the routing-table update protocol for any inbound RPC's
// sender contact: update(S); if full, probe the LRU
// candidate outside the lock; evict it only if it fails to answer.
func (s *Service) touch(ctx context.Context, sender Contact) {
	result, lru, ok := s.table.Update(sender)
	if !ok || result != Full {
		return
	}

	alive := s.probeLRU(ctx, lru)
	if alive {
		return // keep the existing LRU contact, discard sender
	}
	s.table.ReplaceLRU(lru, sender)
}

// probeLRU issues bounded PING retries at the LRU candidate, outside any
// routing-table lock, following a lock-acquire/release/acquire split so
// the slow network round trip never holds the table lock.
func (s *Service) probeLRU(ctx context.Context, lru Contact) bool {
	for attempt := 0; attempt <= PingTries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		alive, err := s.dialer.Ping(pingCtx, lru)
		cancel()
		if err == nil && alive {
			return true
		}
	}
	return false
}

// Ping handles PING: stateless beyond the routing-table update.
func (s *Service) Ping(ctx context.Context, sender Contact) (bool, error) {
	s.touch(ctx, sender)
	return true, nil
}

// Store handles STORE: offers the value to the sync layer first; if it is
// not a control message, writes the raw value. Values always replace on
// re-store.
func (s *Service) Store(ctx context.Context, sender Contact, key ID, value []byte) (bool, error) {
	s.touch(ctx, sender)

	if s.store7 != nil {
		if handled, response := s.store7.InterceptStore(sender, key, value); handled {
			if response != nil {
				s.store.Put(key, response)
			}
			return true, nil
		}
	}

	s.store.Put(key, value)
	return true, nil
}

// FindNode handles FIND_NODE: returns up to K contacts closest to id.
func (s *Service) FindNode(ctx context.Context, sender Contact, id ID) ([]Contact, error) {
	s.touch(ctx, sender)
	return s.table.FindClosest(id, K), nil
}

// FindValue handles FIND_VALUE: returns the value if locally stored,
// otherwise up to K contacts closest to key.
func (s *Service) FindValue(ctx context.Context, sender Contact, key ID) ([]byte, []Contact, error) {
	s.touch(ctx, sender)

	if v, ok := s.store.Get(key); ok {
		return v, nil, nil
	}
	return nil, s.table.FindClosest(key, K), nil
}

// Join handles JOIN: validates proof-of-work, then updates the routing
// table and returns up to K contacts: the K-1 closest to the applicant plus
// self. Accepted joins asynchronously notify the JoinObserver,
// decoupled from the RPC's own response latency.
func (s *Service) Join(ctx context.Context, sender Contact, nonce uint64, powHash Hash) (bool, []Contact, error) {
	if !checkProofOfWork(sender.ID, nonce, powHash) {
		return false, nil, ledgererr.New(ledgererr.KindBadProofOfWork, "insufficient or mismatched join proof-of-work")
	}

	s.touch(ctx, sender)

	closest := s.table.FindClosest(sender.ID, K-1)
	result := append(closest, s.self)

	if s.joinObs != nil {
		go s.joinObs.OnPeerJoined(sender)
	}
	return true, result, nil
}

// checkProofOfWork verifies digest(senderID‖nonce) has at least
// DIFFICULTY leading zero bytes and equals powHash.
func checkProofOfWork(senderID ID, nonce uint64, powHash Hash) bool {
	digest := powDigest(senderID, nonce)
	if digest != powHash {
		return false
	}
	return leadingZeroBytes(digest) >= Difficulty
}

// powDigest is the deterministic PoW input for both JOIN admission and the
// applicant's own mining loop.
func powDigest(id ID, nonce uint64) Hash {
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(id[:])
	h.Write(nonceBytes[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func leadingZeroBytes(h Hash) int {
	n := 0
	for _, b := range h {
		if b != 0 {
			break
		}
		n++
	}
	return n
}

// SolveJoinProofOfWork is the applicant-side counterpart to checkProofOfWork:
// it brute-forces a nonce producing enough leading zero bytes, bounded by a
// wall-clock ceiling so a misconfigured difficulty can't hang a join forever.
func SolveJoinProofOfWork(id ID, maxDuration time.Duration) (nonce uint64, digest Hash, err error) {
	deadline := time.Now().Add(maxDuration)
	for n := uint64(0); ; n++ {
		d := powDigest(id, n)
		if leadingZeroBytes(d) >= Difficulty {
			return n, d, nil
		}
		if n%4096 == 0 && time.Now().After(deadline) {
			return 0, Hash{}, ledgererr.New(ledgererr.KindInternal, "join proof-of-work exceeded time budget")
		}
	}
}
