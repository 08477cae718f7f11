package dht

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FindTimeout is the per-request timeout for find, ping and challenge
// exchanges (spec.md's constant request timeout).
const FindTimeout = 5 * time.Second

// Parallel is the number of concurrent in-flight requests per find.
const Parallel = 3

// outstandingEntry is one of a FindState's in-flight peer requests.
type outstandingEntry struct {
	node      NodeInfo
	challenge []byte
}

// nearestEntry is one member of a FindState's converging result set.
type nearestEntry struct {
	dist DhtCoord
	node NodeInfo
}

// FindResult is what a find's completion waiters receive.
type FindResult struct {
	Nearest []NodeInfo
	Value   *Announcement
}

// FindState tracks one in-flight iterative lookup, coalescing concurrent
// callers for the same goal. Grounded on node/mod.rs's FindState plus
// spec.md 3's data model row for FindState.
type FindState struct {
	mu          sync.Mutex
	reqID       string
	goal        FindGoal
	updated     time.Time
	nearest     []nearestEntry
	outstanding map[string]outstandingEntry // keyed by peer identity string
	requested   map[string]bool             // dedup set, keyed by peer identity string
	value       *Announcement
	waiters     []chan FindResult
}

func identKey(id NodeIdentity) string { return string(id.Bytes()) }

// StartFind implements spec.md 4.5's start_find: coalesce onto an existing
// FindState for the same goal, or create one, pick Parallel closest peers
// from the routing table, and dispatch FindRequests to each. Returns a
// channel that receives the eventual result exactly once.
func (n *Node) StartFind(goal FindGoal) <-chan FindResult {
	waiter := make(chan FindResult, 1)

	n.findMu.Lock()
	if fs, ok := n.finds[goal.key()]; ok {
		fs.mu.Lock()
		fs.waiters = append(fs.waiters, waiter)
		fs.mu.Unlock()
		n.findMu.Unlock()
		return waiter
	}

	fs := &FindState{
		reqID:   uuid.NewString(),
		goal:    goal,
		updated: time.Now().UTC(),
		nearest: []nearestEntry{{
			dist: Distance(goal.Target(), n.selfCoord),
			node: NodeInfo{Ident: n.identity, Address: n.bindAddr},
		}},
		outstanding: make(map[string]outstandingEntry),
		requested:   make(map[string]bool),
		waiters:     []chan FindResult{waiter},
	}
	n.finds[goal.key()] = fs
	n.findMu.Unlock()

	candidates := n.buckets.GetClosestPeers(goal.Target(), Parallel)

	var sends []func()
	fs.mu.Lock()
	for _, c := range candidates {
		if len(fs.outstanding) >= Parallel {
			break
		}
		n.beginOutstandingLocked(fs, c.Node)
		req := FindRequest{Sender: n.identity, Challenge: fs.outstanding[identKey(c.Node.Ident)].challenge, Goal: goal}
		addr := c.Node.Address
		sends = append(sends, func() { n.sendTo(addr, NewFindRequestMessage(req)) })
	}
	fs.mu.Unlock()

	n.enqueueFindTimeout(fs)

	for _, send := range sends {
		send()
	}

	if len(fs.outstanding) == 0 {
		n.completeFind(fs)
	}

	return waiter
}

// beginOutstandingLocked allocates a fresh challenge for target and records
// it as outstanding. Caller must hold fs.mu.
func (n *Node) beginOutstandingLocked(fs *FindState, target NodeInfo) {
	challenge, err := GenerateChallenge()
	if err != nil {
		return
	}
	key := identKey(target.Ident)
	fs.outstanding[key] = outstandingEntry{node: target, challenge: challenge}
	fs.requested[key] = true
}

func (n *Node) enqueueFindTimeout(fs *FindState) {
	n.timeouts.schedule(timeoutEvent{
		deadline: time.Now().Add(FindTimeout),
		kind:     timeoutFind,
		goalKey:  fs.goal.key(),
		reqID:    fs.reqID,
	})
}

// completeFind drains and resolves every waiter, then removes the
// FindState. Caller must not hold fs.mu.
func (n *Node) completeFind(fs *FindState) {
	n.findMu.Lock()
	if current, ok := n.finds[fs.goal.key()]; ok && current == fs {
		delete(n.finds, fs.goal.key())
	}
	n.findMu.Unlock()

	fs.mu.Lock()
	result := FindResult{Value: fs.value}
	for _, e := range fs.nearest {
		result.Nearest = append(result.Nearest, e.node)
	}
	waiters := fs.waiters
	fs.waiters = nil
	fs.mu.Unlock()

	for _, w := range waiters {
		w <- result
		close(w)
	}
}

// HandleFindTimeout implements spec.md 4.5's find-timeout step: re-validate
// the state is still current and has made no progress, then mark every
// outstanding peer unresponsive and complete all waiters.
func (n *Node) HandleFindTimeout(goalKey, reqID string) {
	n.findMu.Lock()
	fs, ok := n.finds[goalKey]
	n.findMu.Unlock()
	if !ok {
		return
	}

	fs.mu.Lock()
	if fs.reqID != reqID {
		fs.mu.Unlock()
		return
	}
	if fs.updated.Add(FindTimeout).After(time.Now()) {
		fs.mu.Unlock()
		return
	}
	for _, o := range fs.outstanding {
		lz := n.buckets.BucketIndex(o.node.Ident)
		n.buckets.MarkUnresponsive(o.node.Ident, lz, true)
	}
	fs.mu.Unlock()

	n.completeFind(fs)
}

// HandleFindResponse implements the full spec.md 4.5 algorithm for
// processing an incoming FindResponse.
func (n *Node) HandleFindResponse(resp FindResponse, replyAddr string) {
	if !resp.Verify() {
		return
	}

	n.findMu.Lock()
	fs, ok := n.finds[resp.Content.Goal.key()]
	n.findMu.Unlock()
	if !ok {
		return
	}

	senderKey := identKey(resp.Content.Sender)

	fs.mu.Lock()
	outstanding, present := fs.outstanding[senderKey]
	if !present {
		fs.mu.Unlock()
		return
	}
	if !ConstantTimeEqual(outstanding.challenge, resp.Content.Challenge) {
		fs.mu.Unlock()
		return
	}
	delete(fs.outstanding, senderKey)

	senderInfo := NodeInfo{Ident: resp.Content.Sender, Address: replyAddr}
	fs.mu.Unlock()

	newlyAdmitted := n.buckets.AddGoodNode(resp.Content.Sender, &senderInfo)
	if newlyAdmitted {
		n.maybeBulkTransfer(resp.Content.Sender, senderInfo)
	}

	fs.mu.Lock()
	defer func() {
		outstandingEmpty := len(fs.outstanding) == 0
		fs.mu.Unlock()
		if outstandingEmpty {
			n.completeFind(fs)
		} else {
			fs.mu.Lock()
			fs.updated = time.Now().UTC()
			fs.mu.Unlock()
			n.enqueueFindTimeout(fs)
		}
	}()

	n.insertNearestLocked(fs, senderInfo)

	var sends []func()
	for _, candidate := range resp.Content.Nodes {
		key := identKey(candidate.Ident)
		if fs.requested[key] {
			continue
		}
		dist := Distance(fs.goal.Target(), NodeCoord(candidate.Ident))
		if len(fs.nearest) >= K && dist.Compare(fs.nearest[len(fs.nearest)-1].dist) >= 0 {
			continue
		}
		if _, inNearest := findNearestIndex(fs, candidate.Ident); inNearest {
			continue
		}
		if len(fs.outstanding) >= Parallel {
			worstKey, worstDist := worstOutstanding(fs)
			if worstKey == "" || dist.Compare(worstDist) >= 0 {
				continue
			}
			delete(fs.outstanding, worstKey)
		}

		n.beginOutstandingLocked(fs, candidate)
		req := FindRequest{Sender: n.identity, Challenge: fs.outstanding[key].challenge, Goal: fs.goal}
		addr := candidate.Address
		sends = append(sends, func() { n.sendTo(addr, NewFindRequestMessage(req)) })
	}

	if resp.Content.Value != nil && fs.goal.Ident != nil {
		if resp.Content.Value.Verify(*fs.goal.Ident) && !resp.Content.Value.Published.Add(ExpiryDuration).Before(time.Now().UTC()) {
			if fs.value == nil || resp.Content.Value.Published.After(fs.value.Published) {
				v := *resp.Content.Value
				fs.value = &v
			}
		}
	}

	go func() {
		for _, send := range sends {
			send()
		}
	}()
}

// worstOutstanding returns the key and distance of the farthest-from-goal
// outstanding entry, or "" if outstanding is empty. Caller must hold fs.mu.
func worstOutstanding(fs *FindState) (string, DhtCoord) {
	var worstKey string
	var worstDist DhtCoord
	first := true
	for k, o := range fs.outstanding {
		d := Distance(fs.goal.Target(), NodeCoord(o.node.Ident))
		if first || d.Compare(worstDist) > 0 {
			worstKey, worstDist, first = k, d, false
		}
	}
	return worstKey, worstDist
}

func findNearestIndex(fs *FindState, id NodeIdentity) (int, bool) {
	for i, e := range fs.nearest {
		if e.node.Ident.Equal(id) {
			return i, true
		}
	}
	return -1, false
}

// insertNearestLocked implements step 6 of spec.md 4.5: insert sender into
// nearest if there's room or it beats the worst element, keeping the set
// sorted ascending by distance with no duplicate identities. Caller must
// hold fs.mu.
func (n *Node) insertNearestLocked(fs *FindState, info NodeInfo) {
	if _, dup := findNearestIndex(fs, info.Ident); dup {
		return
	}
	dist := Distance(fs.goal.Target(), NodeCoord(info.Ident))
	if len(fs.nearest) >= K && dist.Compare(fs.nearest[len(fs.nearest)-1].dist) >= 0 {
		return
	}
	fs.nearest = append(fs.nearest, nearestEntry{dist: dist, node: info})
	sort.Slice(fs.nearest, func(i, j int) bool { return fs.nearest[i].dist.Compare(fs.nearest[j].dist) < 0 })
	if len(fs.nearest) > K {
		fs.nearest = fs.nearest[:K]
	}
}

// maybeBulkTransfer implements spec.md 4.5 step 5: after a new peer is
// admitted to the routing table, if no table peer is now strictly closer to
// self than the admitted peer, replicate the whole value store to it. The
// routing table is consulted *after* insertion (see SPEC_FULL.md's resolved
// ambiguity).
func (n *Node) maybeBulkTransfer(sender NodeIdentity, info NodeInfo) {
	closer := n.buckets.GetClosestPeers(n.selfCoord, K)
	for _, c := range closer {
		if c.Node.Ident.Equal(sender) {
			continue
		}
		if CloserTo(n.selfCoord, NodeCoord(c.Node.Ident), NodeCoord(sender)) {
			return
		}
	}
	for _, kv := range n.store.All() {
		n.sendTo(info.Address, NewStoreMessage(StoreRequest{Key: kv.Key, Value: kv.Value}))
	}
}

// HandleFindRequest implements the responder side of spec.md 4.5/4.6: build
// a signed response naming the closest known peers (and the value, if the
// goal is an identity we hold), then validate the requester via
// AddGoodNode/challenge if it is new.
func (n *Node) HandleFindRequest(req FindRequest, replyAddr string) {
	candidates := n.buckets.GetClosestPeers(req.Goal.Target(), K)
	nodes := make([]NodeInfo, 0, len(candidates))
	for _, c := range candidates {
		nodes = append(nodes, c.Node)
	}

	content := FindResponseContent{
		Goal:      req.Goal,
		Challenge: req.Challenge,
		Sender:    n.identity,
		Nodes:     nodes,
	}
	if req.Goal.Ident != nil {
		if v, ok := n.store.Get(*req.Goal.Ident); ok {
			content.Value = &v
		}
	}
	content = fitToDatagram(content)

	n.sendTo(replyAddr, NewFindResponseMessage(SignFindResponse(n.self, content)))

	if req.Sender.Equal(n.identity) {
		return
	}
	isNew := n.buckets.AddGoodNode(req.Sender, nil)
	if isNew {
		n.StartChallenge(req.Sender, replyAddr)
	}
}
