package dht

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/libp2p/go-nat"
)

// NATConfig configures best-effort UPnP/NAT-PMP port mapping for the node's
// UDP socket, so peers behind a home router can still be reached directly.
// Adapted from nat.go's NATTraversal, which mapped a TCP port for the
// teacher's HTTP transport; here the mapped protocol is "udp" to match the
// DHT's single UDP socket.
type NATConfig struct {
	InternalPort  int
	ExternalPort  int
	Description   string
	LeaseDuration time.Duration
}

// NATTraversal holds the discovered gateway and renews its mapping for as
// long as the node runs.
type NATTraversal struct {
	gateway  nat.NAT
	port     int
	stopChan chan struct{}
}

// NewNATTraversal constructs an idle traversal handler; call Setup to
// actually discover a gateway.
func NewNATTraversal() *NATTraversal {
	return &NATTraversal{stopChan: make(chan struct{})}
}

// Setup discovers a NAT gateway via UPnP or NAT-PMP and maps the node's UDP
// port, returning the externally reachable address. Failure is non-fatal:
// callers should log and continue running unmapped, per spec.md 7's
// treatment of bootstrap/connectivity failures as self-healing rather than
// fatal.
func (t *NATTraversal) Setup(cfg NATConfig) (string, error) {
	if cfg.ExternalPort == 0 {
		cfg.ExternalPort = cfg.InternalPort
	}
	if cfg.Description == "" {
		cfg.Description = "spaghettinuum dht node"
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 2 * time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gateway, err := nat.DiscoverGateway(ctx)
	if err != nil {
		return "", fmt.Errorf("no NAT gateway found: %w", err)
	}
	t.gateway = gateway
	t.port = cfg.ExternalPort

	extIP, err := gateway.GetExternalAddress()
	if err != nil {
		return "", fmt.Errorf("get external address: %w", err)
	}
	if _, err := gateway.AddPortMapping(ctx, "udp", cfg.ExternalPort, cfg.Description, cfg.LeaseDuration); err != nil {
		return "", fmt.Errorf("add udp port mapping: %w", err)
	}

	go t.renewLoop(cfg.Description, cfg.LeaseDuration)

	return fmt.Sprintf("%s:%d", extIP.String(), cfg.ExternalPort), nil
}

func (t *NATTraversal) renewLoop(description string, lease time.Duration) {
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := t.gateway.AddPortMapping(ctx, "udp", t.port, description, lease)
			cancel()
			if err != nil {
				log.Printf("dht: failed to renew NAT port mapping: %v", err)
			}
		case <-t.stopChan:
			return
		}
	}
}

// Close removes the port mapping and stops the renewal loop.
func (t *NATTraversal) Close() {
	select {
	case <-t.stopChan:
		return
	default:
		close(t.stopChan)
	}
	if t.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.gateway.DeletePortMapping(ctx, "udp", t.port); err != nil {
			log.Printf("dht: failed to remove NAT port mapping: %v", err)
		}
	}
}
