// Package dht implements the Kademlia-style routing table, iterative
// lookups and announce/get_peers storage described in spec.md §4.3,
// grounded on two corpus shapes: the bucket-per-common-prefix-length
// indexing and ping-before-evict policy from
// adityasissodiya-d7024e/labs/kademlia/routingtable.go, and the
// XOR-distance/iterative-query loop shape from
// dep2p-go-dep2p/internal/discovery/dht/{xor,query}.go.
package dht

import (
	"sync"
	"time"

	"github.com/DEgITx/librats/pkg/types"
)

// K is the max contacts per bucket (spec.md §3).
const K = 8

const (
	questionableAfter = 15 * time.Minute
	badAfterFailures  = 2
)

// Contact is one entry in the routing table (spec.md §3).
type Contact struct {
	ID        types.NodeID
	Endpoint  types.Endpoint
	LastSeen  time.Time
	FailCount int
}

// Status derives the contact's lifecycle state from LastSeen/FailCount
// (spec.md §3: good on any response, questionable after 15m idle, bad
// after 2 consecutive failed pings).
func (c *Contact) Status() types.ContactStatus {
	if c.FailCount >= badAfterFailures {
		return types.StatusBad
	}
	if time.Since(c.LastSeen) > questionableAfter {
		return types.StatusQuestionable
	}
	return types.StatusGood
}

// bucket holds up to K contacts plus a small replacement cache for
// contacts seen while the bucket was full.
type bucket struct {
	mu          sync.Mutex
	contacts    []*Contact // most-recently-seen first
	replacement []*Contact
}

func newBucket() *bucket {
	return &bucket{}
}

// insert adds or refreshes c. Returns false if the bucket was full and c
// could not be evicted in (no bad contact to replace and no ping policy
// applied it — the caller, RoutingTable, handles the ping-and-evict dance).
func (b *bucket) insert(c *Contact) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append([]*Contact{c}, b.contacts...)
			return true
		}
	}

	if len(b.contacts) < K {
		b.contacts = append([]*Contact{c}, b.contacts...)
		return true
	}

	// full: evict a bad contact if one exists, else stash in replacement cache.
	for i, existing := range b.contacts {
		if existing.Status() == types.StatusBad {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append([]*Contact{c}, b.contacts...)
			return true
		}
	}
	b.addReplacement(c)
	return false
}

func (b *bucket) addReplacement(c *Contact) {
	for i, existing := range b.replacement {
		if existing.ID == c.ID {
			b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
			break
		}
	}
	b.replacement = append([]*Contact{c}, b.replacement...)
	if len(b.replacement) > K {
		b.replacement = b.replacement[:K]
	}
}

// lru returns the least-recently-seen contact, for the caller to ping
// before evicting (spec.md's contact lifecycle, mirroring the teacher's
// ping-before-evict policy).
func (b *bucket) lru() *Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[len(b.contacts)-1]
}

func (b *bucket) evictAndInsert(evictID types.NodeID, c *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == evictID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			break
		}
	}
	b.contacts = append([]*Contact{c}, b.contacts...)
}

func (b *bucket) keepLRUStashReplacement(lruID types.NodeID, c *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == lruID {
			existing.LastSeen = time.Now()
			existing.FailCount = 0
			moved := b.contacts[i]
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append([]*Contact{moved}, b.contacts...)
			break
		}
	}
	b.addReplacement(c)
}

func (b *bucket) remove(id types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			if len(b.replacement) > 0 {
				b.contacts = append(b.contacts, b.replacement[0])
				b.replacement = b.replacement[1:]
			}
			return
		}
	}
}

func (b *bucket) markFailure(id types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.contacts {
		if existing.ID == id {
			existing.FailCount++
			return
		}
	}
}

func (b *bucket) markGood(id types.NodeID, ep types.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == id {
			existing.FailCount = 0
			existing.LastSeen = time.Now()
			existing.Endpoint = ep
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append([]*Contact{existing}, b.contacts...)
			return
		}
	}
}

func (b *bucket) snapshot() []*Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// RoutingTable is a fixed array of 160 buckets indexed by common-prefix
// length with the local id — equivalent to eagerly splitting every bucket
// on the local-id branch to full depth, as the teacher's own DHT does
// (dep2p-go-dep2p/internal/discovery/dht/routing.go uses the same
// fixed-array-of-KeySize-buckets shape).
type RoutingTable struct {
	localID types.NodeID
	buckets [types.IDLength * 8]*bucket

	mu          sync.RWMutex
	lastRefresh [types.IDLength * 8]time.Time

	// Ping is invoked (without holding any lock) to test liveness of a
	// bucket's LRU contact before evicting it for a newcomer.
	Ping func(*Contact) bool
}

func NewRoutingTable(localID types.NodeID) *RoutingTable {
	rt := &RoutingTable{localID: localID}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(id types.NodeID) int {
	cpl := types.CommonPrefixLen(rt.localID, id)
	max := types.IDLength*8 - 1
	if cpl > max {
		cpl = max
	}
	return cpl
}

// Insert adds or refreshes a contact. If the contact's bucket is full, the
// bucket's LRU entry is pinged (via rt.Ping, set by the DHT node); if it's
// unresponsive it's evicted in favor of c, otherwise c is dropped but
// cached as a replacement (spec.md §3's bad/replaceable semantics).
func (rt *RoutingTable) Insert(c *Contact) {
	if c.ID == rt.localID {
		return
	}
	idx := rt.bucketIndex(c.ID)
	b := rt.buckets[idx]
	rt.MarkRefreshed(idx)

	if b.insert(c) {
		return
	}

	lru := b.lru()
	if lru == nil {
		return
	}
	alive := true
	if rt.Ping != nil {
		alive = rt.Ping(lru)
	}
	if alive {
		b.keepLRUStashReplacement(lru.ID, c)
	} else {
		b.evictAndInsert(lru.ID, c)
	}
}

func (rt *RoutingTable) MarkGood(id types.NodeID, ep types.Endpoint) {
	if id == rt.localID {
		return
	}
	rt.buckets[rt.bucketIndex(id)].markGood(id, ep)
}

func (rt *RoutingTable) MarkFailure(id types.NodeID) {
	if id == rt.localID {
		return
	}
	rt.buckets[rt.bucketIndex(id)].markFailure(id)
}

func (rt *RoutingTable) Remove(id types.NodeID) {
	if id == rt.localID {
		return
	}
	rt.buckets[rt.bucketIndex(id)].remove(id)
}

// Closest returns the count contacts closest to target by XOR distance.
func (rt *RoutingTable) Closest(target types.NodeID, count int) []*Contact {
	var all []*Contact
	for _, b := range rt.buckets {
		all = append(all, b.snapshot()...)
	}
	sortByDistance(all, target)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func sortByDistance(contacts []*Contact, target types.NodeID) {
	// insertion sort: bucket counts are tiny (≤K*160 in the worst case,
	// almost always far smaller), so O(n^2) is not a concern here.
	for i := 1; i < len(contacts); i++ {
		for j := i; j > 0; j-- {
			if types.CompareDistance(contacts[j].ID, contacts[j-1].ID, target) < 0 {
				contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
			} else {
				break
			}
		}
	}
}

// Size returns the total number of contacts held across all buckets.
func (rt *RoutingTable) Size() int {
	n := 0
	for _, b := range rt.buckets {
		b.mu.Lock()
		n += len(b.contacts)
		b.mu.Unlock()
	}
	return n
}

// BucketsNeedingRefresh returns indices of buckets untouched for at least
// the given interval (spec.md §4.3's 15-minute maintenance sweep).
func (rt *RoutingTable) BucketsNeedingRefresh(interval time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var idx []int
	now := time.Now()
	for i, last := range rt.lastRefresh {
		if now.Sub(last) >= interval {
			idx = append(idx, i)
		}
	}
	return idx
}

func (rt *RoutingTable) MarkRefreshed(idx int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if idx >= 0 && idx < len(rt.lastRefresh) {
		rt.lastRefresh[idx] = time.Now()
	}
}

// RandomIDInBucket returns a random id sharing idx bits of prefix with the
// local id, used to seed a refresh lookup for that bucket's range.
func (rt *RoutingTable) RandomIDInBucket(idx int) types.NodeID {
	return randomIDWithPrefix(rt.localID, idx)
}
