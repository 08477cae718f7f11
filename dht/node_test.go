package dht

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

func newTestNode(t *testing.T, bootstrap []BootstrapPeer) *Node {
	t.Helper()
	n, err := New(Config{BindAddr: "127.0.0.1:0", Bootstrap: bootstrap})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(n.Stop)
	return n
}

// TestSingleNodeBootstrap implements spec.md 8's end-to-end scenario 1: a
// node with empty bootstrap and state reports zero responsive neighbors and
// Get returns nothing within the timeout budget.
func TestSingleNodeBootstrap(t *testing.T) {
	n := newTestNode(t, nil)
	n.Start()

	health := n.HealthDetail()
	if health.ResponsiveNeighbors != 0 {
		t.Errorf("expected zero responsive neighbors, got %d", health.ResponsiveNeighbors)
	}

	user, _ := testUserKeyPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	_, ok := n.Get(ctx, user)
	if ok {
		t.Errorf("expected no value for an unknown identity on an isolated node")
	}
}

// TestTwoNodeJoin implements spec.md 8's end-to-end scenario 2: a second
// node bootstrapped against the first ends up in each other's routing
// table after the startup find and challenge round-trip complete.
func TestTwoNodeJoin(t *testing.T) {
	a := newTestNode(t, nil)
	a.Start()

	b := newTestNode(t, []BootstrapPeer{{Ident: a.Identity(), Address: a.bindAddr}})
	b.Start()

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		ha := a.HealthDetail()
		hb := b.HealthDetail()
		if ha.ResponsiveNeighbors >= 1 && hb.ResponsiveNeighbors >= 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("expected both nodes to see one responsive neighbor after join: a=%+v b=%+v", a.HealthDetail(), b.HealthDetail())
}

// TestPublishAndResolve implements spec.md 8's end-to-end scenario 3: a
// Store sent to node A is resolvable via Get on node B once joined.
func TestPublishAndResolve(t *testing.T) {
	a := newTestNode(t, nil)
	a.Start()
	b := newTestNode(t, []BootstrapPeer{{Ident: a.Identity(), Address: a.bindAddr}})
	b.Start()

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if ha, hb := a.HealthDetail(), b.HealthDetail(); ha.ResponsiveNeighbors >= 1 && hb.ResponsiveNeighbors >= 1 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	user, priv := testUserKeyPair(t)
	ann := SignAnnouncement(func(msg []byte) []byte { return ed25519.Sign(priv, msg) }, time.Now().UTC(), []byte("publisher-contact"))
	a.Put(user, ann)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	got, ok := b.Get(ctx, user)
	if !ok {
		t.Fatalf("expected b.Get to resolve the announcement published via a.Put")
	}
	if string(got.Publisher) != "publisher-contact" {
		t.Errorf("resolved announcement publisher mismatch: got %q", got.Publisher)
	}
}

// TestStaleAnnouncementRejected implements spec.md 8's end-to-end scenario
// 4: a future-dated Store is rejected and the key stays unresolved.
func TestStaleAnnouncementRejected(t *testing.T) {
	a := newTestNode(t, nil)
	a.Start()

	user, priv := testUserKeyPair(t)
	future := SignAnnouncement(func(msg []byte) []byte { return ed25519.Sign(priv, msg) }, time.Now().UTC().Add(2*time.Minute), []byte("x"))
	a.handleStore(StoreRequest{Key: user, Value: future})

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if _, ok := a.Get(ctx, user); ok {
		t.Errorf("expected stale announcement to be rejected and unresolvable")
	}
}
