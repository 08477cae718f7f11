package dht

import "testing"

// TestNodeSecretRoundTrip verifies a NodeSecret survives MarshalBinary then
// UnmarshalNodeSecret with the same public identity and signing behavior,
// matching spec.md's round-trip law for serialization.
func TestNodeSecretRoundTrip(t *testing.T) {
	secret, err := GenerateNodeSecret()
	if err != nil {
		t.Fatalf("GenerateNodeSecret: %v", err)
	}

	data, err := secret.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	restored, err := UnmarshalNodeSecret(data)
	if err != nil {
		t.Fatalf("UnmarshalNodeSecret: %v", err)
	}

	if !secret.Identity().Equal(restored.Identity()) {
		t.Errorf("restored identity does not match original")
	}

	msg := []byte("hello dht")
	sig := restored.Sign(msg)
	if !secret.Identity().Verify(msg, sig) {
		t.Errorf("signature made by restored secret should verify against original identity")
	}
}

// TestNodeIdentityEquality verifies identity equality is byte equality of
// the canonical form, not pointer identity.
func TestNodeIdentityEquality(t *testing.T) {
	a := NodeIdentity{Version: 1, Key: []byte{1, 2, 3}}
	b := NodeIdentity{Version: 1, Key: []byte{1, 2, 3}}
	c := NodeIdentity{Version: 1, Key: []byte{1, 2, 4}}

	if !a.Equal(b) {
		t.Errorf("identities with identical canonical bytes should be equal")
	}
	if a.Equal(c) {
		t.Errorf("identities with differing keys should not be equal")
	}
}

// TestVerifyRejectsTamperedMessage verifies a signature does not verify
// against a different message than the one signed.
func TestVerifyRejectsTamperedMessage(t *testing.T) {
	secret, err := GenerateNodeSecret()
	if err != nil {
		t.Fatalf("GenerateNodeSecret: %v", err)
	}
	sig := secret.Sign([]byte("original"))
	if secret.Identity().Verify([]byte("tampered"), sig) {
		t.Errorf("signature should not verify against a different message")
	}
}
