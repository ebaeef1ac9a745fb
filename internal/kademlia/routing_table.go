package kademlia

import (
	"sort"
	"sync"

	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// RoutingTable owns 160 k-buckets, one per bit-position of XOR distance
// from the table's own id. Per the concurrency model, all
// mutation and iteration acquires a single reader-writer lock; no I/O
// (including PING) happens while holding it — the LRU-eviction dance in
// Service splits into lock-acquire / release / acquire phases itself.
type RoutingTable struct {
	owner   ID
	buckets []*KBucket
	mu      sync.RWMutex
	log     *logging.Logger
}

// NewRoutingTable creates a table owned by the given node id.
func NewRoutingTable(owner ID) *RoutingTable {
	buckets := make([]*KBucket, NumBuckets())
	for i := range buckets {
		buckets[i] = NewKBucket(K)
	}
	return &RoutingTable{
		owner:   owner,
		buckets: buckets,
		log:     logging.GetDefault().Component("routing-table"),
	}
}

// bucketFor returns the bucket index for a contact, or -1 if the contact is
// the table owner (which has no bucket).
func (t *RoutingTable) bucketFor(id ID) int {
	if id == t.owner {
		return -1
	}
	return BucketIndex(t.owner, id)
}

// Update runs KBucket.Update under the write lock. Returns ok=false if the
// contact is the table's own id (never routed to self).
func (t *RoutingTable) Update(c Contact) (result UpdateResult, lru Contact, ok bool) {
	idx := t.bucketFor(c.ID)
	if idx < 0 {
		return 0, Contact{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	result, lru = t.buckets[idx].Update(c)
	return result, lru, true
}

// ReplaceLRU evicts old and inserts new into old's bucket. Called only
// after the caller has released the table lock to probe old and found it
// unresponsive.
func (t *RoutingTable) ReplaceLRU(old, new Contact) {
	idx := t.bucketFor(old.ID)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].ReplaceLRU(old, new)
}

// Remove deletes a contact by id from its bucket.
func (t *RoutingTable) Remove(id ID) {
	idx := t.bucketFor(id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].Remove(id)
}

// FindClosest returns up to k contacts from the whole table, sorted by
// ascending XOR distance to target. It collects the contacts of every
// bucket and sorts them.
func (t *RoutingTable) FindClosest(target ID, k int) []Contact {
	t.mu.RLock()
	all := make([]Contact, 0, k*2)
	for _, b := range t.buckets {
		all = append(all, b.Contacts()...)
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].ID.Xor(target).Less(all[j].ID.Xor(target))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Owner returns the table's own id.
func (t *RoutingTable) Owner() ID { return t.owner }

// Count returns the total number of contacts across all buckets.
func (t *RoutingTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}
