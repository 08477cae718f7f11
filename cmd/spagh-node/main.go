// Command spagh-node runs a standalone spaghettinuum DHT core: a UDP-bound
// routing overlay node with no publisher, resolver, or HTTPS API attached.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"spaghettinuum/dht"
)

// bootstrapPeers is the repeatable -bootstrap flag value, following main.go's
// plain flag.String/flag.Int configuration idiom rather than adopting a
// CLI framework no example in the corpus actually uses for a single-binary
// entry point.
type bootstrapPeers []dht.BootstrapPeer

func (b *bootstrapPeers) String() string {
	parts := make([]string, 0, len(*b))
	for _, p := range *b {
		parts = append(parts, p.Address)
	}
	return strings.Join(parts, ",")
}

// bootstrapEntry is the shape of one -bootstrap flag value:
// {"ident": <NodeIdentity JSON>, "addr": "host:port"}.
type bootstrapEntry struct {
	Ident json.RawMessage `json:"ident"`
	Addr  string          `json:"addr"`
}

func (b *bootstrapPeers) Set(value string) error {
	var entry bootstrapEntry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return fmt.Errorf("invalid -bootstrap entry %q: %w", value, err)
	}
	var ident dht.NodeIdentity
	if err := json.Unmarshal(entry.Ident, &ident); err != nil {
		return fmt.Errorf("invalid -bootstrap identity %q: %w", value, err)
	}
	*b = append(*b, dht.BootstrapPeer{Ident: ident, Address: entry.Addr})
	return nil
}

// setupNAT resolves the node's bound port and attempts UPnP/NAT-PMP
// mapping for it. Failure is logged and treated as non-fatal.
func setupNAT(localAddr string) (*dht.NATTraversal, string, bool) {
	_, portStr, err := net.SplitHostPort(localAddr)
	if err != nil {
		log.Printf("spagh-node: could not determine bind port for NAT mapping: %v", err)
		return nil, "", false
	}
	internalPort, err := strconv.Atoi(portStr)
	if err != nil {
		log.Printf("spagh-node: invalid bind port for NAT mapping: %v", err)
		return nil, "", false
	}
	traversal := dht.NewNATTraversal()
	extAddr, err := traversal.Setup(dht.NATConfig{InternalPort: internalPort})
	if err != nil {
		log.Printf("spagh-node: NAT traversal unavailable, continuing unmapped: %v", err)
		return nil, "", false
	}
	return traversal, extAddr, true
}

func main() {
	bindAddr := flag.String("bind", "0.0.0.0:6856", "UDP address to bind the DHT node to")
	persistentDir := flag.String("persistent-dir", "", "directory holding the node's embedded database (secret + neighbors)")
	natEnabled := flag.Bool("nat", false, "attempt UPnP/NAT-PMP port mapping for the bind port")
	var bootstrap bootstrapPeers
	flag.Var(&bootstrap, "bootstrap", `bootstrap peer as {"ident": <node identity json>, "addr": "host:port"}, may be repeated`)
	flag.Parse()

	node, err := dht.New(dht.Config{
		BindAddr:      *bindAddr,
		Bootstrap:     bootstrap,
		PersistentDir: *persistentDir,
	})
	if err != nil {
		log.Fatalf("spagh-node: failed to start: %v", err)
	}

	if *natEnabled {
		if traversal, extAddr, ok := setupNAT(node.LocalAddr()); ok {
			log.Printf("spagh-node: mapped external address %s", extAddr)
			defer traversal.Close()
		}
	}

	node.Start()
	defer node.Stop()

	log.Printf("spagh-node: listening, identity=%s", node.Identity())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("spagh-node: shutting down")
}
