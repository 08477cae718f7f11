// Package dht implements the spaghettinuum peer-to-peer routing overlay: a
// Kademlia-style distributed hash table storing signed identity
// announcements, reachable over a single UDP socket.
package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// identityVersion is the version tag prefixed to every canonical identity
// serialization, so future key types can be introduced without breaking
// existing coordinates.
const identityVersion = 1

// UserIdentity is an externally supplied, self-certifying public key. The
// DHT never learns the matching secret; it only verifies signatures made
// against it.
type UserIdentity struct {
	Version int    `json:"v"`
	Key     []byte `json:"k"`
}

// NewUserIdentity wraps a raw Ed25519 public key as a UserIdentity.
func NewUserIdentity(pub ed25519.PublicKey) UserIdentity {
	return UserIdentity{Version: identityVersion, Key: append([]byte(nil), pub...)}
}

// Bytes returns the canonical serialization of the identity. Equality of
// identities is defined as byte equality of this form.
func (u UserIdentity) Bytes() []byte {
	data, _ := json.Marshal(u)
	return data
}

// String renders the identity as a stable, human-printable token.
func (u UserIdentity) String() string {
	return base64.RawURLEncoding.EncodeToString(u.Bytes())
}

// Equal reports whether two identities have the same canonical form.
func (u UserIdentity) Equal(other UserIdentity) bool {
	return string(u.Bytes()) == string(other.Bytes())
}

// Verify checks a signature made over msg against this identity's public key.
func (u UserIdentity) Verify(msg, sig []byte) bool {
	if len(u.Key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(u.Key), msg, sig)
}

// NodeIdentity is the public half of a node's keypair: its address on the
// DHT. NodeIdentity equals UserIdentity in shape (both are versioned Ed25519
// public keys) but is kept as a distinct type so wire messages and APIs
// cannot accidentally substitute one for the other.
type NodeIdentity struct {
	Version int    `json:"v"`
	Key     []byte `json:"k"`
}

// Bytes returns the canonical serialization used both for hashing into a
// DhtCoord and for comparison/equality.
func (n NodeIdentity) Bytes() []byte {
	data, _ := json.Marshal(n)
	return data
}

func (n NodeIdentity) String() string {
	return base64.RawURLEncoding.EncodeToString(n.Bytes())
}

// Equal reports whether two node identities have the same canonical form.
func (n NodeIdentity) Equal(other NodeIdentity) bool {
	return string(n.Bytes()) == string(other.Bytes())
}

// Verify checks a signature made over msg against this node's public key.
func (n NodeIdentity) Verify(msg, sig []byte) bool {
	if len(n.Key) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(n.Key), msg, sig)
}

// NodeSecret is a node's private keypair. It never leaves the process and is
// only ever read to sign outgoing messages or to persist/restore identity
// across restarts.
type NodeSecret struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateNodeSecret creates a fresh Ed25519 keypair for a node's lifetime.
func GenerateNodeSecret() (NodeSecret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeSecret{}, fmt.Errorf("generate node keypair: %w", err)
	}
	return NodeSecret{Public: pub, Private: priv}, nil
}

// Identity derives the public NodeIdentity carried on the wire.
func (s NodeSecret) Identity() NodeIdentity {
	return NodeIdentity{Version: identityVersion, Key: append([]byte(nil), s.Public...)}
}

// Sign produces a signature over msg using the node's private key.
func (s NodeSecret) Sign(msg []byte) []byte {
	return ed25519.Sign(s.Private, msg)
}

// MarshalBinary encodes the secret for persistence.
func (s NodeSecret) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), s.Private...), nil
}

// UnmarshalNodeSecret reconstructs a NodeSecret from its persisted private
// key bytes.
func UnmarshalNodeSecret(priv []byte) (NodeSecret, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return NodeSecret{}, fmt.Errorf("node secret: expected %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	key := ed25519.PrivateKey(append([]byte(nil), priv...))
	pub := append([]byte(nil), key.Public().(ed25519.PublicKey)...)
	return NodeSecret{Public: pub, Private: key}, nil
}
