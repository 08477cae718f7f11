package dht

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChallengeState tracks one outstanding proof-of-key-ownership exchange
// opened against a peer that just made first contact.
type ChallengeState struct {
	reqID     string
	nonce     []byte
	candidate NodeInfo
}

type challengeTable struct {
	mu         sync.Mutex
	challenges map[string]*ChallengeState
}

func newChallengeTable() *challengeTable {
	return &challengeTable{challenges: make(map[string]*ChallengeState)}
}

// StartChallenge implements spec.md 4.6: open a challenge against a peer
// that AddGoodNode just reported as newly admitted, so the node never trusts
// an unsolicited peer's claimed identity without proof of key ownership.
func (n *Node) StartChallenge(candidate NodeIdentity, addr string) {
	nonce, err := GenerateChallenge()
	if err != nil {
		return
	}
	key := identKey(candidate)
	reqID := uuid.NewString()

	n.challenges.mu.Lock()
	n.challenges.challenges[key] = &ChallengeState{
		reqID:     reqID,
		nonce:     nonce,
		candidate: NodeInfo{Ident: candidate, Address: addr},
	}
	n.challenges.mu.Unlock()

	n.sendTo(addr, NewChallengeMessage(nonce))
	n.timeouts.schedule(timeoutEvent{
		deadline: time.Now().Add(FindTimeout),
		kind:     timeoutChallenge,
		peerKey:  key,
		reqID:    reqID,
	})
}

// HandleChallenge implements the challenged side: sign the nonce and reply.
func (n *Node) HandleChallenge(nonce []byte, replyAddr string) {
	n.sendTo(replyAddr, NewChallengeResponseMessage(ChallengeResponse{
		Sender:    n.identity,
		Signature: n.self.Sign(nonce),
	}))
}

// HandleChallengeResponse verifies the claimed peer actually controls the
// key it presented, then admits it to the routing table.
func (n *Node) HandleChallengeResponse(resp ChallengeResponse, replyAddr string) {
	key := identKey(resp.Sender)
	n.challenges.mu.Lock()
	state, ok := n.challenges.challenges[key]
	if ok {
		delete(n.challenges.challenges, key)
	}
	n.challenges.mu.Unlock()
	if !ok {
		return
	}
	if !resp.Sender.Verify(state.nonce, resp.Signature) {
		return
	}
	n.buckets.AddGoodNode(resp.Sender, &NodeInfo{Ident: resp.Sender, Address: replyAddr})
}

// HandleChallengeTimeout drops a challenge state silently if it is still the
// one that scheduled the timeout, per spec.md 4.6.
func (n *Node) HandleChallengeTimeout(peerKey, reqID string) {
	n.challenges.mu.Lock()
	defer n.challenges.mu.Unlock()
	if state, ok := n.challenges.challenges[peerKey]; ok && state.reqID == reqID {
		delete(n.challenges.challenges, peerKey)
	}
}

// ActiveChallenges reports the number of outstanding challenges, for
// HealthDetail.
func (n *Node) ActiveChallenges() int {
	n.challenges.mu.Lock()
	defer n.challenges.mu.Unlock()
	return len(n.challenges.challenges)
}
