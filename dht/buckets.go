package dht

import (
	"sync"
)

// K is the maximum number of peers held per bucket (the "neighborhood"
// size). Also the maximum size of a find's nearest set.
const K = 8

// NumBuckets is the number of leading-zero-count classes a 256-bit
// coordinate space has.
const NumBuckets = CoordSize*8 + 1

// NodeInfo names a peer: its identity and the address it is reachable at.
type NodeInfo struct {
	Ident   NodeIdentity
	Address string
}

// PeerSlot is one routing table entry: a NodeInfo plus a liveness hint.
type PeerSlot struct {
	Node         NodeInfo
	Unresponsive bool
}

// bucket is an ordered list of at most K PeerSlots, all sharing the same
// leading-zero distance class to the local node.
type bucket struct {
	entries []PeerSlot
}

// Buckets is the Kademlia routing table: NumBuckets buckets indexed by
// leading-zero count of XOR(peer_coord, own_coord), plus an address index
// that guarantees at most one identity maps to a given address at a time.
//
// Grounded on routing_table.go's RoutingTable/KBucket pair, generalized
// from the teacher's 128-bit UUID space and spatial-replacement eviction
// policy to the 256-bit XOR-only policy described in the data model.
type Buckets struct {
	mu        sync.Mutex
	self      NodeIdentity
	selfCoord DhtCoord
	slots     [NumBuckets]bucket
	addrs     map[string]NodeIdentity
	dirty     bool
}

// NewBuckets constructs an empty routing table for a node identified by self.
func NewBuckets(self NodeIdentity) *Buckets {
	return &Buckets{
		self:      self,
		selfCoord: NodeCoord(self),
		addrs:     make(map[string]NodeIdentity),
	}
}

func (b *Buckets) bucketIndex(id NodeIdentity) int {
	return Distance(NodeCoord(id), b.selfCoord).LeadingZeros()
}

// storeAddr installs an address->identity mapping, first removing any prior
// mapping that pointed at the same address under a different identity.
// Grounded on spec.md 4.2's address rebinding rule and the design note on
// avoiding ghost entries.
func (b *Buckets) storeAddr(id NodeIdentity, addr string) {
	if prev, ok := b.addrs[addr]; ok && !prev.Equal(id) {
		b.removeFromBucket(prev)
	}
	b.addrs[addr] = id
}

func (b *Buckets) removeFromBucket(id NodeIdentity) {
	idx := b.bucketIndex(id)
	bkt := &b.slots[idx]
	for i, e := range bkt.entries {
		if e.Node.Ident.Equal(id) {
			bkt.entries = append(bkt.entries[:i], bkt.entries[i+1:]...)
			return
		}
	}
}

// AddGoodNode implements spec.md 4.2's add_good_node operation: update an
// existing entry, insert into free space, evict an unresponsive occupant, or
// drop. Returns true if the node is newly admitted to the table. With a nil
// info, an identity not yet in the table is reported as new (true) but is
// not inserted, so the caller can validate it before admitting it with its
// address.
//
// Grounded on node/mod.rs's add_good_node state machine.
func (b *Buckets) AddGoodNode(id NodeIdentity, info *NodeInfo) bool {
	if id.Equal(b.self) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.bucketIndex(id)
	bkt := &b.slots[idx]

	for i := range bkt.entries {
		if bkt.entries[i].Node.Ident.Equal(id) {
			changed := bkt.entries[i].Unresponsive
			bkt.entries[i].Unresponsive = false
			if info != nil && bkt.entries[i].Node.Address != info.Address {
				if old := bkt.entries[i].Node.Address; b.addrs[old].Equal(id) {
					delete(b.addrs, old)
				}
				b.storeAddr(id, info.Address)
				bkt.entries[i].Node = *info
				changed = true
			}
			if changed {
				b.dirty = true
			}
			return false
		}
	}

	if info == nil {
		return true
	}
	newInfo := *info

	if len(bkt.entries) < K {
		b.storeAddr(id, newInfo.Address)
		bkt.entries = append([]PeerSlot{{Node: newInfo}}, bkt.entries...)
		b.dirty = true
		return true
	}

	for i := len(bkt.entries) - 1; i >= 0; i-- {
		if bkt.entries[i].Unresponsive {
			bkt.entries = append(bkt.entries[:i], bkt.entries[i+1:]...)
			b.storeAddr(id, newInfo.Address)
			bkt.entries = append(bkt.entries, PeerSlot{Node: newInfo})
			b.dirty = true
			return true
		}
	}

	return false
}

// GetClosestPeers implements spec.md 4.2's get_closest_peers walk: start at
// the bucket matching goal's distance class, ascend through higher indices,
// then descend from one below the start toward zero, collecting up to count
// peers while preserving bucket order. Unresponsive peers are still
// returned.
func (b *Buckets) GetClosestPeers(goal DhtCoord, count int) []PeerSlot {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := Distance(goal, b.selfCoord).LeadingZeros()
	if start >= NumBuckets {
		start = NumBuckets - 1
	}

	var out []PeerSlot
	for i := start; i < NumBuckets && len(out) < count; i++ {
		out = appendUpTo(out, b.slots[i].entries, count)
	}
	for i := start - 1; i >= 0 && len(out) < count; i-- {
		out = appendUpTo(out, b.slots[i].entries, count)
	}
	return out
}

func appendUpTo(out []PeerSlot, entries []PeerSlot, count int) []PeerSlot {
	for _, e := range entries {
		if len(out) >= count {
			break
		}
		out = append(out, e)
	}
	return out
}

// MarkUnresponsive flips the unresponsive flag on the slot matching id in
// the bucket named by lz. Idempotent.
func (b *Buckets) MarkUnresponsive(id NodeIdentity, lz int, flag bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lz < 0 || lz >= NumBuckets {
		return
	}
	bkt := &b.slots[lz]
	for i := range bkt.entries {
		if bkt.entries[i].Node.Ident.Equal(id) {
			if bkt.entries[i].Unresponsive != flag {
				bkt.entries[i].Unresponsive = flag
				b.dirty = true
			}
			return
		}
	}
}

// BucketIndex returns the bucket a given identity belongs in, for callers
// (ping, persistence) that need to address a specific bucket.
func (b *Buckets) BucketIndex(id NodeIdentity) int {
	return b.bucketIndex(id)
}

// AllBuckets returns a snapshot of every non-empty bucket's entries, indexed
// by bucket number, for periodic pinging and persistence.
func (b *Buckets) AllBuckets() map[int][]PeerSlot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[int][]PeerSlot)
	for i, bkt := range b.slots {
		if len(bkt.entries) == 0 {
			continue
		}
		out[i] = append([]PeerSlot(nil), bkt.entries...)
	}
	return out
}

// Dirty reports whether the table has changed since the last call to
// ClearDirty.
func (b *Buckets) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// ClearDirty resets the dirty bit, called after a successful persistence
// write.
func (b *Buckets) ClearDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = false
}

// MarkDirty forces the dirty bit so the next persistence cycle writes the
// table.
func (b *Buckets) MarkDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = true
}

// CountResponsive returns the number of responsive and unresponsive peers
// across the whole table, for HealthDetail.
func (b *Buckets) CountResponsive() (responsive, unresponsive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bkt := range b.slots {
		for _, e := range bkt.entries {
			if e.Unresponsive {
				unresponsive++
			} else {
				responsive++
			}
		}
	}
	return
}
