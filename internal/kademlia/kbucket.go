package kademlia

import "container/list"

// bucketEntry is the value stored in a KBucket's linked list.
type bucketEntry struct {
	contact Contact
}

// UpdateResult classifies the outcome of KBucket.Update.
type UpdateResult int

const (
	// Refreshed: the contact was already present and has been moved to
	// the tail (most-recently-seen).
	Refreshed UpdateResult = iota
	// Inserted: the bucket had room and the contact was appended.
	Inserted
	// Full: the bucket is at capacity; the caller must probe the
	// returned head entry before evicting it.
	Full
)

// KBucket is an ordered sequence of at most K contacts, least-recently-seen
// at the head and most-recently-seen at the tail. It is not safe for
// concurrent use on its own; RoutingTable guards it with a lock.
type KBucket struct {
	entries *list.List          // of *bucketEntry, head = LRU, tail = MRU
	index   map[ID]*list.Element
	cap     int
}

// NewKBucket creates an empty bucket with the given capacity.
func NewKBucket(capacity int) *KBucket {
	return &KBucket{
		entries: list.New(),
		index:   make(map[ID]*list.Element),
		cap:     capacity,
	}
}

// Len returns the number of contacts currently in the bucket.
func (b *KBucket) Len() int { return b.entries.Len() }

// Update applies the routing-table update protocol for a single bucket:
// if the contact is present, move it to the tail (Refreshed); else if
// there is room, append it (Inserted); else return Full and the LRU head
// entry, making no mutation — the caller probes that contact before
// deciding whether to evict it.
func (b *KBucket) Update(c Contact) (UpdateResult, Contact) {
	if el, ok := b.index[c.ID]; ok {
		el.Value.(*bucketEntry).contact = c
		b.entries.MoveToBack(el)
		return Refreshed, Contact{}
	}
	if b.entries.Len() < b.cap {
		el := b.entries.PushBack(&bucketEntry{contact: c})
		b.index[c.ID] = el
		return Inserted, Contact{}
	}
	lru := b.entries.Front().Value.(*bucketEntry).contact
	return Full, lru
}

// ReplaceLRU evicts the head (oldest) entry and appends new in its place.
// Only valid immediately after the caller has probed old and found it
// unresponsive.
func (b *KBucket) ReplaceLRU(old, new Contact) {
	if el, ok := b.index[old.ID]; ok {
		b.entries.Remove(el)
		delete(b.index, old.ID)
	}
	el := b.entries.PushBack(&bucketEntry{contact: new})
	b.index[new.ID] = el
}

// Remove deletes a contact by id, a no-op if absent.
func (b *KBucket) Remove(id ID) {
	if el, ok := b.index[id]; ok {
		b.entries.Remove(el)
		delete(b.index, id)
	}
}

// Contacts returns all contacts in the bucket, LRU-first.
func (b *KBucket) Contacts() []Contact {
	out := make([]Contact, 0, b.entries.Len())
	for el := b.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*bucketEntry).contact)
	}
	return out
}
