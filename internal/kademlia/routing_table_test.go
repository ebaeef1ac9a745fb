package kademlia

import (
	"math/rand"
	"sort"
	"testing"
)

func randomContact(t *testing.T, seed int64) Contact {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	var id ID
	r.Read(id[:])
	return Contact{ID: id, Address: "/ip4/127.0.0.1/tcp/0"}
}

func TestFindClosestIsOrderedByXorDistance(t *testing.T) {
	var owner ID
	owner[0] = 0xFF
	table := NewRoutingTable(owner)

	var target ID
	target[0] = 0x0F

	for i := int64(0); i < 50; i++ {
		c := randomContact(t, i)
		table.Update(c)
	}

	got := table.FindClosest(target, 10)
	if len(got) == 0 {
		t.Fatal("expected some contacts")
	}

	if !sort.SliceIsSorted(got, func(i, j int) bool {
		return got[i].ID.Xor(target).Less(got[j].ID.Xor(target))
	}) {
		t.Fatal("find_closest result is not sorted by ascending xor distance")
	}

	seen := make(map[ID]bool)
	for _, c := range got {
		if seen[c.ID] {
			t.Fatalf("duplicate id in find_closest result: %v", c.ID)
		}
		seen[c.ID] = true
	}

	if len(got) > 10 {
		t.Fatalf("find_closest returned more than k: %d", len(got))
	}
}

func TestUpdateRejectsOwnID(t *testing.T) {
	var owner ID
	owner[0] = 0x01
	table := NewRoutingTable(owner)

	_, _, ok := table.Update(Contact{ID: owner})
	if ok {
		t.Fatal("table should refuse to route to itself")
	}
	if table.Count() != 0 {
		t.Fatalf("self-contact must not be stored, count=%d", table.Count())
	}
}

func TestBucketCapacityRespectedAcrossTable(t *testing.T) {
	var owner ID
	table := NewRoutingTable(owner)

	// All of these ids share their highest differing bit with owner (the
	// top bit of the first byte), so they land in the same bucket.
	for i := byte(0); i < byte(K+5); i++ {
		var id ID
		id[0] = 0x80
		id[len(id)-1] = i
		table.Update(Contact{ID: id})
	}

	idx := BucketIndex(owner, ID{0: 0x80})
	if table.buckets[idx].Len() > K {
		t.Fatalf("bucket %d exceeded K: %d", idx, table.buckets[idx].Len())
	}
}
