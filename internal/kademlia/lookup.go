package kademlia

import (
	"context"
	"sort"
	"sync"

	"github.com/klingon-exchange/ledgerd/pkg/logging"
)

// RPCClient is the outbound capability the lookup engine needs: issuing
// FIND_NODE/FIND_VALUE to a specific contact. internal/rpcnet provides the
// concrete implementation; the engine never reaches for a full Dialer or
// Transport so it stays independently testable.
type RPCClient interface {
	FindNode(ctx context.Context, c Contact, target ID) ([]Contact, error)
	FindValue(ctx context.Context, c Contact, key ID) (value []byte, nodes []Contact, err error)
}

// LookupEngine drives α-parallel iterative FIND_NODE/FIND_VALUE lookups to
// convergence and performs passive caching of FIND_VALUE hits.
type LookupEngine struct {
	table  *RoutingTable
	store  *Store
	client RPCClient
	self   ID
	log    *logging.Logger
}

// NewLookupEngine wires a lookup engine to its routing table (seeds the
// initial candidate set and supplies the querier's own id for passive
// caching), its local store (cache target), and its RPC client.
func NewLookupEngine(table *RoutingTable, store *Store, client RPCClient) *LookupEngine {
	return &LookupEngine{
		table:  table,
		store:  store,
		client: client,
		self:   table.Owner(),
		log:    logging.GetDefault().Component("lookup"),
	}
}

// byDistance sorts contacts by ascending XOR distance to a fixed target.
type byDistance struct {
	contacts []Contact
	target   ID
}

func (b byDistance) Len() int      { return len(b.contacts) }
func (b byDistance) Swap(i, j int) { b.contacts[i], b.contacts[j] = b.contacts[j], b.contacts[i] }
func (b byDistance) Less(i, j int) bool {
	return b.contacts[i].ID.Xor(b.target).Less(b.contacts[j].ID.Xor(b.target))
}

// LookupNodes runs an iterative FIND_NODE lookup for target and returns the
// K closest contacts found.
func (e *LookupEngine) LookupNodes(ctx context.Context, target ID) []Contact {
	closest, _ := e.run(ctx, target, false)
	return closest
}

// LookupValue runs an iterative FIND_VALUE lookup for key. If found, it
// performs passive caching: when the querier itself is among the top K
// closest nodes to key, it stores the value locally — "cache the value at
// the node that missed it most".
func (e *LookupEngine) LookupValue(ctx context.Context, key ID) ([]byte, bool) {
	closest, value := e.run(ctx, key, true)
	if value == nil {
		return nil, false
	}

	withSelf := append(append([]Contact{}, closest...), Contact{ID: e.self})
	sort.Sort(byDistance{contacts: withSelf, target: key})
	for _, c := range withSelf[:min(len(withSelf), K)] {
		if c.ID == e.self {
			e.store.Put(key, value)
			break
		}
	}
	return value, true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type roundResult struct {
	from  Contact
	nodes []Contact
	value []byte
}

// run implements the shared state machine behind LookupNodes/LookupValue:
// closest (deduped, sorted by distance), queried (set of contacted ids),
// candidates (work queue). Each round fires up to Alpha unqueried contacts
// concurrently with a per-call timeout; a timed-out or erroring peer counts
// as queried and is dropped from progress, never retried within this
// lookup.
func (e *LookupEngine) run(ctx context.Context, target ID, wantValue bool) ([]Contact, []byte) {
	queried := make(map[ID]bool)
	closestSet := make(map[ID]Contact)

	seed := e.table.FindClosest(target, K)
	candidates := append([]Contact{}, seed...)
	for _, c := range seed {
		closestSet[c.ID] = c
	}

	for {
		batch := nextBatch(candidates, queried, Alpha)
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			queried[c.ID] = true
		}

		results := e.fireRound(ctx, batch, target, wantValue)

		var best ID
		haveBest := false
		if cur := closestSlice(closestSet, target); len(cur) > 0 {
			best, haveBest = cur[0].ID.Xor(target), true
		}
		improved := false
		for _, r := range results {
			if r.value != nil {
				return closestSlice(closestSet, target), r.value
			}
			for _, n := range r.nodes {
				if n.ID == e.self {
					continue
				}
				if _, seen := closestSet[n.ID]; !seen && (!haveBest || n.ID.Xor(target).Less(best)) {
					improved = true
				}
				closestSet[n.ID] = n
				if !queried[n.ID] {
					candidates = append(candidates, n)
				}
			}
		}

		if !improved {
			// No new closer candidate learned this round; one more pass
			// over whatever remains unqueried, then stop.
			remaining := nextBatch(candidates, queried, len(candidates))
			if len(remaining) == 0 {
				break
			}
			for _, c := range remaining {
				queried[c.ID] = true
			}
			results := e.fireRound(ctx, remaining, target, wantValue)
			for _, r := range results {
				if r.value != nil {
					return closestSlice(closestSet, target), r.value
				}
			}
			break
		}
	}

	return closestSlice(closestSet, target), nil
}

// nextBatch pops up to n unqueried contacts from the front of candidates.
func nextBatch(candidates []Contact, queried map[ID]bool, n int) []Contact {
	out := make([]Contact, 0, n)
	for _, c := range candidates {
		if queried[c.ID] {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}

// fireRound issues concurrent RPCs against batch, each bounded by
// RPCTimeout, and collects every response.
func (e *LookupEngine) fireRound(ctx context.Context, batch []Contact, target ID, wantValue bool) []roundResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []roundResult
	)

	for _, c := range batch {
		wg.Add(1)
		go func(c Contact) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			defer cancel()

			var r roundResult
			r.from = c
			if wantValue {
				value, nodes, err := e.client.FindValue(callCtx, c, target)
				if err != nil {
					return
				}
				r.value, r.nodes = value, nodes
			} else {
				nodes, err := e.client.FindNode(callCtx, c, target)
				if err != nil {
					return
				}
				r.nodes = nodes
			}

			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(c)
	}

	wg.Wait()
	return results
}

func closestSlice(set map[ID]Contact, target ID) []Contact {
	out := make([]Contact, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Sort(byDistance{contacts: out, target: target})
	if len(out) > K {
		out = out[:K]
	}
	return out
}
