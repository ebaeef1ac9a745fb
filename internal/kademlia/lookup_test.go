package kademlia

import (
	"context"
	"testing"
)

// fakeClient simulates a small network: each node knows some contacts and
// may hold a value, keyed by its own ID.
type fakeClient struct {
	neighbors map[ID][]Contact
	values    map[ID][]byte
}

func (f *fakeClient) FindNode(_ context.Context, c Contact, target ID) ([]Contact, error) {
	return f.neighbors[c.ID], nil
}

func (f *fakeClient) FindValue(_ context.Context, c Contact, key ID) ([]byte, []Contact, error) {
	if v, ok := f.values[c.ID]; ok {
		return v, nil, nil
	}
	return nil, f.neighbors[c.ID], nil
}

func idOf(n byte) ID {
	var id ID
	id[len(id)-1] = n
	return id
}

func TestLookupValueTerminatesOnHitAndCachesWhenQuerierIsClose(t *testing.T) {
	self := idOf(1)
	table := NewRoutingTable(self)

	peerA := Contact{ID: idOf(2)}
	peerB := Contact{ID: idOf(3)}
	table.Update(peerA)

	client := &fakeClient{
		neighbors: map[ID][]Contact{
			peerA.ID: {peerB},
		},
		values: map[ID][]byte{
			peerB.ID: []byte("hello"),
		},
	}

	store := NewStore()
	engine := NewLookupEngine(table, store, client)

	key := idOf(0xAA)
	value, ok := engine.LookupValue(context.Background(), key)
	if !ok {
		t.Fatal("expected value to be found")
	}
	if string(value) != "hello" {
		t.Fatalf("got %q, want hello", value)
	}

	// Passive caching writes the value locally when self is among the K
	// closest seen to key; with only three nodes in this toy setup and K
	// well above three, self qualifies even though it is the farthest of
	// the three by XOR distance.
	if _, cached := store.Get(key); !cached {
		t.Fatal("expected passive caching to store the value locally")
	}
}

func TestLookupNodesReturnsEmptyWithNoCandidates(t *testing.T) {
	table := NewRoutingTable(idOf(1))
	engine := NewLookupEngine(table, NewStore(), &fakeClient{})

	got := engine.LookupNodes(context.Background(), idOf(99))
	if len(got) != 0 {
		t.Fatalf("expected no results from an empty routing table, got %v", got)
	}
}
