package dht

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PingInterval is how often the node probes its routing table for liveness.
const PingInterval = 10 * time.Minute

// PingState tracks one outstanding liveness probe.
type PingState struct {
	reqID       string
	leadingZero int
	peer        NodeIdentity
}

// pingTable holds at most one PingState per peer identity, per spec.md's
// data model invariant.
type pingTable struct {
	mu    sync.Mutex
	pings map[string]*PingState
}

func newPingTable() *pingTable {
	return &pingTable{pings: make(map[string]*PingState)}
}

// PingLoop implements spec.md 4.7: every PingInterval, probe every peer
// slot that does not already have an outstanding ping. Grounded on
// dht_maintenance.go's peerLivenessLoop ticker/select/shutdown shape.
func (n *Node) PingLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.pingAllBuckets()
		}
	}
}

func (n *Node) pingAllBuckets() {
	for lz, entries := range n.buckets.AllBuckets() {
		for _, slot := range entries {
			key := identKey(slot.Node.Ident)
			n.pings.mu.Lock()
			if _, exists := n.pings.pings[key]; exists {
				n.pings.mu.Unlock()
				continue
			}
			reqID := uuid.NewString()
			n.pings.pings[key] = &PingState{reqID: reqID, leadingZero: lz, peer: slot.Node.Ident}
			n.pings.mu.Unlock()

			n.sendTo(slot.Node.Address, NewPingMessage())
			n.timeouts.schedule(timeoutEvent{
				deadline: time.Now().Add(FindTimeout),
				kind:     timeoutPing,
				peerKey:  key,
				reqID:    reqID,
			})
		}
	}
}

// HandlePung clears a peer's outstanding ping state and its unresponsive
// flag on a successful reply.
func (n *Node) HandlePung(sender NodeIdentity) {
	key := identKey(sender)
	n.pings.mu.Lock()
	state, ok := n.pings.pings[key]
	if ok {
		delete(n.pings.pings, key)
	}
	n.pings.mu.Unlock()
	if !ok {
		return
	}
	n.buckets.MarkUnresponsive(sender, state.leadingZero, false)
}

// HandlePingTimeout marks a peer unresponsive if its ping state is still the
// one that scheduled this timeout.
func (n *Node) HandlePingTimeout(peerKey, reqID string) {
	n.pings.mu.Lock()
	state, ok := n.pings.pings[peerKey]
	if ok && state.reqID == reqID {
		delete(n.pings.pings, peerKey)
	} else {
		ok = false
	}
	n.pings.mu.Unlock()
	if !ok {
		return
	}
	n.buckets.MarkUnresponsive(state.peer, state.leadingZero, true)
}

// ActivePings reports the number of outstanding ping probes, for
// HealthDetail.
func (n *Node) ActivePings() int {
	n.pings.mu.Lock()
	defer n.pings.mu.Unlock()
	return len(n.pings.pings)
}
