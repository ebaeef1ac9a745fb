package kademlia

import "testing"

func contact(n byte) Contact {
	var id ID
	id[len(id)-1] = n
	return Contact{ID: id, Address: "/ip4/127.0.0.1/tcp/0"}
}

func TestKBucketUpdateInsertsThenRefreshesToTail(t *testing.T) {
	b := NewKBucket(3)

	if res, _ := b.Update(contact(1)); res != Inserted {
		t.Fatalf("want Inserted, got %v", res)
	}
	if res, _ := b.Update(contact(2)); res != Inserted {
		t.Fatalf("want Inserted, got %v", res)
	}

	// Re-seeing contact 1 should refresh it to the tail.
	if res, _ := b.Update(contact(1)); res != Refreshed {
		t.Fatalf("want Refreshed, got %v", res)
	}

	got := b.Contacts()
	if got[len(got)-1].ID != contact(1).ID {
		t.Fatalf("most recently seen contact should be at tail, got order %v", got)
	}
	if got[0].ID != contact(2).ID {
		t.Fatalf("least recently seen contact should be at head, got order %v", got)
	}
}

func TestKBucketUpdateReturnsFullWithoutMutating(t *testing.T) {
	b := NewKBucket(2)
	b.Update(contact(1))
	b.Update(contact(2))

	res, lru := b.Update(contact(3))
	if res != Full {
		t.Fatalf("want Full, got %v", res)
	}
	if lru.ID != contact(1).ID {
		t.Fatalf("lru candidate should be the head (contact 1), got %v", lru.ID)
	}
	if b.Len() != 2 {
		t.Fatalf("Update on a full bucket must not mutate it, len=%d", b.Len())
	}
}

func TestKBucketReplaceLRU(t *testing.T) {
	b := NewKBucket(2)
	b.Update(contact(1))
	b.Update(contact(2))

	b.ReplaceLRU(contact(1), contact(3))

	got := b.Contacts()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after replace, got %d", len(got))
	}
	if got[len(got)-1].ID != contact(3).ID {
		t.Fatalf("replacement should land at tail, got %v", got)
	}
	for _, c := range got {
		if c.ID == contact(1).ID {
			t.Fatalf("evicted contact should be gone, found %v", got)
		}
	}
}

func TestKBucketNeverExceedsCapacity(t *testing.T) {
	b := NewKBucket(2)
	for i := byte(1); i <= 5; i++ {
		b.Update(contact(i))
	}
	if b.Len() > 2 {
		t.Fatalf("bucket size exceeded capacity: %d", b.Len())
	}
}
