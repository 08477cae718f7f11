package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
)

// ChallengeSize is the length in bytes of a random challenge nonce.
const ChallengeSize = 32

// MaxDatagramSize bounds the size of a single wire datagram, per spec.md's
// external interface note.
const MaxDatagramSize = 1024

// msgKind tags which variant a Message carries. Grounded on
// interface/wire/node/v1.rs's Message enum, re-expressed as a Go tagged
// struct (one field set per kind) rather than an untagged union, since Go
// has no sum types — an explicit kind discriminator makes decode
// unambiguous instead of relying on which pointer fields happen to be
// non-nil.
type msgKind string

const (
	kindFindRequest   msgKind = "find_request"
	kindFindResponse  msgKind = "find_response"
	kindStore         msgKind = "store"
	kindPing          msgKind = "ping"
	kindPung          msgKind = "pung"
	kindChallenge     msgKind = "challenge"
	kindChallengeResp msgKind = "challenge_response"
)

// FindGoal is either a bare coordinate (neighbor discovery) or a user
// identity (announcement lookup).
type FindGoal struct {
	Coord *DhtCoord     `json:"coord,omitempty"`
	Ident *UserIdentity `json:"ident,omitempty"`
}

// CoordGoal builds a FindGoal targeting a raw coordinate.
func CoordGoal(c DhtCoord) FindGoal { return FindGoal{Coord: &c} }

// IdentityGoal builds a FindGoal targeting a user identity's announcement.
func IdentityGoal(id UserIdentity) FindGoal { return FindGoal{Ident: &id} }

// Target resolves the goal to the coordinate a find should converge toward.
func (g FindGoal) Target() DhtCoord {
	if g.Coord != nil {
		return *g.Coord
	}
	return UserCoord(*g.Ident)
}

// Equal compares two goals by their resolved target plus kind, so a Coord
// goal and an Identity goal that happen to hash to the same coordinate are
// still treated as distinct (FindState is keyed by the full goal).
func (g FindGoal) Equal(other FindGoal) bool {
	if (g.Coord == nil) != (other.Coord == nil) {
		return false
	}
	if g.Coord != nil {
		return g.Coord.Equal(*other.Coord)
	}
	return g.Ident.Equal(*other.Ident)
}

func (g FindGoal) key() string {
	if g.Coord != nil {
		return "c:" + string(g.Coord[:])
	}
	return "i:" + string(g.Ident.Bytes())
}

// FindRequest asks a peer for the nodes it knows closest to goal.
type FindRequest struct {
	Sender    NodeIdentity `json:"sender"`
	Challenge []byte       `json:"challenge"`
	Goal      FindGoal     `json:"goal"`
}

// FindResponseContent is the signed payload carried inside a FindResponse.
type FindResponseContent struct {
	Goal      FindGoal      `json:"goal"`
	Challenge []byte        `json:"challenge"`
	Sender    NodeIdentity  `json:"sender"`
	Nodes     []NodeInfo    `json:"nodes"`
	Value     *Announcement `json:"value,omitempty"`
}

// signablePayload is the canonical byte form signed by the responder, and
// verified by the requester against Sender. Field order is fixed by the
// Go struct definition, so encoding/json produces a stable, deterministic
// encoding suitable for signing -- the same pattern attestation.go uses for
// its GetSignableMessage.
func (c FindResponseContent) signablePayload() []byte {
	data, _ := json.Marshal(c)
	return data
}

// FindResponse is the signed reply to a FindRequest.
type FindResponse struct {
	Sender    NodeIdentity        `json:"sender"`
	Content   FindResponseContent `json:"content"`
	Signature []byte              `json:"signature"`
}

// Verify checks the response's signature against its claimed sender.
func (r FindResponse) Verify() bool {
	return r.Sender.Verify(r.Content.signablePayload(), r.Signature)
}

// SignFindResponse builds a signed FindResponse for content, signed by self.
func SignFindResponse(self NodeSecret, content FindResponseContent) FindResponse {
	return FindResponse{
		Sender:    self.Identity(),
		Content:   content,
		Signature: self.Sign(content.signablePayload()),
	}
}

// fitToDatagram trims content's Nodes list, farthest first, until the
// signed FindResponse wrapping it encodes to MaxDatagramSize or less. A
// full K=8 NodeInfo list routinely overruns 1024 bytes once base64-encoded
// keys and addresses are accounted for, especially with a Value attached,
// so the responder degrades gracefully by returning fewer nodes rather than
// producing a datagram the requester's sendTo would silently drop. Nodes is
// expected in closest-first order (GetClosestPeers' contract), so dropping
// the tail keeps the peers most useful to the requester's search.
func fitToDatagram(content FindResponseContent) FindResponseContent {
	probe := make([]byte, ed25519.SignatureSize)
	for {
		msg := NewFindResponseMessage(FindResponse{Sender: content.Sender, Content: content, Signature: probe})
		data, err := json.Marshal(msg)
		if err == nil && len(data) <= MaxDatagramSize {
			return content
		}
		if len(content.Nodes) == 0 {
			return content
		}
		content.Nodes = content.Nodes[:len(content.Nodes)-1]
	}
}

// StoreRequest asks a peer to hold an announcement for key.
type StoreRequest struct {
	Key   UserIdentity `json:"key"`
	Value Announcement `json:"value"`
}

// ChallengeResponse answers a Challenge by signing its nonce.
type ChallengeResponse struct {
	Sender    NodeIdentity `json:"sender"`
	Signature []byte       `json:"signature"`
}

// Message is the tagged union of every wire variant, matching
// interface/wire/node/v1.rs's Message enum. Exactly one of the typed fields
// is populated, selected by Kind.
type Message struct {
	Kind          msgKind            `json:"kind"`
	FindRequest   *FindRequest       `json:"find_request,omitempty"`
	FindResponse  *FindResponse      `json:"find_response,omitempty"`
	Store         *StoreRequest      `json:"store,omitempty"`
	Pung          *NodeIdentity      `json:"pung,omitempty"`
	Challenge     []byte             `json:"challenge,omitempty"`
	ChallengeResp *ChallengeResponse `json:"challenge_response,omitempty"`
}

func NewFindRequestMessage(m FindRequest) Message {
	return Message{Kind: kindFindRequest, FindRequest: &m}
}
func NewFindResponseMessage(m FindResponse) Message {
	return Message{Kind: kindFindResponse, FindResponse: &m}
}
func NewStoreMessage(m StoreRequest) Message { return Message{Kind: kindStore, Store: &m} }
func NewPingMessage() Message                { return Message{Kind: kindPing} }
func NewPungMessage(id NodeIdentity) Message { return Message{Kind: kindPung, Pung: &id} }
func NewChallengeMessage(nonce []byte) Message {
	return Message{Kind: kindChallenge, Challenge: nonce}
}
func NewChallengeResponseMessage(m ChallengeResponse) Message {
	return Message{Kind: kindChallengeResp, ChallengeResp: &m}
}

// ToBytes encodes a message for transmission. Grounded on v1.rs's
// Message::to_bytes, re-expressed over canonical JSON instead of bincode
// since no binary codec in the retrieved corpus is usable without running a
// code generator.
func (m Message) ToBytes() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("encoded message exceeds %d bytes (%d)", MaxDatagramSize, len(data))
	}
	return data, nil
}

// MessageFromBytes decodes a datagram into a Message.
func MessageFromBytes(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// GenerateChallenge produces a fresh random nonce for challenge-response
// exchanges (spec.md's "32 random bytes").
func GenerateChallenge() ([]byte, error) {
	nonce := make([]byte, ChallengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	return nonce, nil
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ, as spec.md 4.4 requires for
// challenge-echo comparison.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
