package sync

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/ledgerd/internal/identity"
	"github.com/klingon-exchange/ledgerd/internal/kademlia"
	"github.com/klingon-exchange/ledgerd/internal/ledger"
)

// fakeStore is a minimal in-memory storer for handler tests.
type fakeStore struct {
	data map[kademlia.ID][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[kademlia.ID][]byte)} }

func (f *fakeStore) Put(key kademlia.ID, value []byte) { f.data[key] = value }

func (f *fakeStore) Get(key kademlia.ID) ([]byte, bool) {
	v, ok := f.data[key]
	return v, ok
}

// fakeClient records STORE calls so tests can assert what was gossiped,
// without a real rpcnet transport.
type fakeClient struct {
	stores []storeCall
}

type storeCall struct {
	peer  kademlia.Contact
	key   kademlia.ID
	value []byte
}

func (f *fakeClient) Store(ctx context.Context, self, peer kademlia.Contact, key kademlia.ID, value []byte) (bool, error) {
	f.stores = append(f.stores, storeCall{peer: peer, key: key, value: value})
	return true, nil
}

func (f *fakeClient) FindValue(ctx context.Context, contact kademlia.Contact, key kademlia.ID) ([]byte, []kademlia.Contact, error) {
	return nil, nil, nil
}

type fakePeerSource struct{ contacts []kademlia.Contact }

func (f *fakePeerSource) FindClosest(target kademlia.ID, k int) []kademlia.Contact {
	if len(f.contacts) > k {
		return f.contacts[:k]
	}
	return f.contacts
}

func newTestIdentity(t *testing.T, label string) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateOrLoad(t.TempDir(), label)
	require.NoError(t, err)
	return id
}

func testContact(id *identity.Identity) kademlia.Contact {
	return kademlia.Contact{ID: id.NodeID, Address: "/ip4/127.0.0.1/tcp/4001", PublicKey: id.Public.SerializeCompressed()}
}

func testTransaction(t *testing.T, sender, receiver *identity.Identity) *ledger.Transaction {
	t.Helper()
	tx, err := ledger.NewSignedTransaction(sender, ledger.TxData{
		Receiver: receiver.Public.SerializeCompressed(),
		Variant:  ledger.VariantTransfer,
		Amount:   10,
		Fee:      5,
	})
	require.NoError(t, err)
	return tx
}

func TestBroadcastTransactionStoresEnvelopeAtPeer(t *testing.T) {
	selfID := newTestIdentity(t, "self")
	peerID := newTestIdentity(t, "peer")
	self := testContact(selfID)
	peer := testContact(peerID)

	client := &fakeClient{}
	h := NewHandler(self, &fakePeerSource{}, newFakeStore(), ledger.NewGenesisChain(nil), ledger.NewPool(), client)

	tx := testTransaction(t, selfID, peerID)
	h.BroadcastTransaction(context.Background(), peer, tx)

	require.Len(t, client.stores, 1)
	require.Equal(t, peer.ID, client.stores[0].peer.ID)

	env, err := decodeEnvelope(client.stores[0].value)
	require.NoError(t, err)
	require.Equal(t, kindNewTransaction, env.Kind)
	require.NotNil(t, env.NewTransaction)
	require.Equal(t, tx.Hash, env.NewTransaction.Hash)
}

func TestInterceptStoreAdmitsGossipedTransaction(t *testing.T) {
	selfID := newTestIdentity(t, "self")
	senderID := newTestIdentity(t, "sender")
	receiverID := newTestIdentity(t, "receiver")
	self := testContact(selfID)
	sender := testContact(senderID)

	pool := ledger.NewPool()
	h := NewHandler(self, &fakePeerSource{}, newFakeStore(), ledger.NewGenesisChain(nil), pool, &fakeClient{})

	tx := testTransaction(t, senderID, receiverID)
	env := Envelope{Kind: kindNewTransaction, NewTransaction: wireTransactionPtr(toWireTransaction(tx))}
	payload, err := encodeEnvelope(env)
	require.NoError(t, err)

	handled, resp := h.InterceptStore(sender, kademlia.IDFromBytes(tx.Hash[:kademlia.IDLength]), payload)
	require.True(t, handled)
	require.Nil(t, resp)
	require.Len(t, pool.PendingBySender(tx.SenderKey()), 1)
}

func TestInterceptStoreFallsThroughForOrdinaryValues(t *testing.T) {
	selfID := newTestIdentity(t, "self")
	self := testContact(selfID)
	h := NewHandler(self, &fakePeerSource{}, newFakeStore(), ledger.NewGenesisChain(nil), ledger.NewPool(), &fakeClient{})

	handled, resp := h.InterceptStore(self, kademlia.ID{}, []byte("just some application value"))
	require.False(t, handled)
	require.Nil(t, resp)
}

func TestHandleSnapshotRequestWritesReplyToResponseKey(t *testing.T) {
	selfID := newTestIdentity(t, "self")
	self := testContact(selfID)
	store := newFakeStore()
	h := NewHandler(self, &fakePeerSource{}, store, ledger.NewGenesisChain(nil), ledger.NewPool(), &fakeClient{})

	responseKey := kademlia.IDFromBytes(identity.Keccak256([]byte("response-key"))[:kademlia.IDLength])
	control := requestPrefix + hex.EncodeToString(responseKey[:])

	handled, resp := h.InterceptStore(self, kademlia.ID{}, []byte(control))
	require.True(t, handled)
	require.Nil(t, resp)

	raw, ok := store.Get(responseKey)
	require.True(t, ok)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, kindSnapshotReply, env.Kind)
	require.NotNil(t, env.SnapshotReply)
}
