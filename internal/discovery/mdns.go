// Package discovery advertises this node and browses for siblings over
// mDNS (C3). The discover-callback shape (a handler invoked per found
// record, filtering self) is adapted from the Notifee/HandlePeerFound
// idiom in other_examples' libp2p node, using hashicorp/mdns directly
// rather than a full libp2p host since only advertise/browse/TXT is
// needed (see SPEC_FULL.md Domain Stack table).
package discovery

import (
	"log"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/loopsy-mesh/loopsyd/internal/identity"
	"github.com/loopsy-mesh/loopsyd/internal/peers"
)

const (
	serviceType    = "_loopsy._tcp"
	browseInterval = 10 * time.Second
)

// Browser advertises and discovers sibling daemons. It is not started
// when discovery.enabled is false; the daemon has no other check, so a
// sibling session advertises unless its own config disables discovery.
type Browser struct {
	id       identity.Identity
	registry *peers.Registry

	server *mdns.Server
	stop   chan struct{}
}

// New constructs a browser for the given node identity; it does not
// start advertising or browsing until Start is called.
func New(id identity.Identity, registry *peers.Registry) *Browser {
	return &Browser{id: id, registry: registry, stop: make(chan struct{})}
}

func serviceInstance(nodeID string) string {
	if len(nodeID) >= 8 {
		return "loopsy-" + nodeID[:8]
	}
	return "loopsy-" + nodeID
}

// Start publishes this node's mDNS record and begins periodic
// browsing. Errors are logged and non-fatal (§7 tier 2: local
// recovery) — mDNS is an optional convenience, not a hard dependency.
func (b *Browser) Start() {
	txt := []string{
		"nodeId=" + b.id.NodeID,
		"version=" + b.id.Version,
		"platform=" + b.id.Platform,
		"capabilities=" + strings.Join(b.id.Capabilities, ","),
	}
	service, err := mdns.NewMDNSService(serviceInstance(b.id.NodeID), serviceType, "", "", b.id.Port, nil, txt)
	if err != nil {
		log.Printf("[mdns] failed to build service record: %v", err)
		return
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		log.Printf("[mdns] failed to start server: %v", err)
		return
	}
	b.server = server
	go b.browseLoop()
}

// Stop unpublishes this node's record and tears down the browse loop.
func (b *Browser) Stop() {
	close(b.stop)
	if b.server != nil {
		b.server.Shutdown()
	}
}

func (b *Browser) browseLoop() {
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.browseOnce()
		}
	}
}

func (b *Browser) browseOnce() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			b.handleEntry(e)
		}
	}()

	params := mdns.DefaultParams(serviceType)
	params.Entries = entries
	params.Timeout = 3 * time.Second
	if err := mdns.Query(params); err != nil {
		log.Printf("[mdns] browse query failed: %v", err)
	}
	close(entries)
	<-done
}

func (b *Browser) handleEntry(e *mdns.ServiceEntry) {
	fields := parseTXT(e.InfoFields)
	nodeID := fields["nodeId"]
	if nodeID == "" || nodeID == b.id.NodeID {
		return
	}

	addr := e.AddrV4.String()
	if addr == "" || addr == "<nil>" {
		addr = e.Addr.String()
	}

	var caps []string
	if c := fields["capabilities"]; c != "" {
		caps = strings.Split(c, ",")
	}

	b.registry.Upsert(peers.Peer{
		NodeID:       nodeID,
		Address:      addr,
		Port:         e.Port,
		Platform:     fields["platform"],
		Version:      fields["version"],
		Capabilities: caps,
		Status:       peers.StatusOnline,
		LastSeen:     time.Now().UnixMilli(),
	})
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if i := strings.IndexByte(f, '='); i >= 0 {
			out[f[:i]] = f[i+1:]
		}
	}
	return out
}
