// Package peers implements the Peer Registry (C1): an in-memory set of
// known daemons keyed by nodeId, snapshot-persisted to peers.json.
// Mutex-guarded map plus upsert/mark*/load/save shape is adapted from
// the teacher's internal/ha.Manager, generalized from the teacher's
// active/standby cluster model (no such notion in Loopsy) to a flat
// peer set per spec.md §3/§4.1.
package peers

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Status mirrors spec.md §3's status enum.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Peer is the persisted record for one daemon, local or remote.
type Peer struct {
	NodeID        string   `json:"nodeId"`
	Hostname      string   `json:"hostname"`
	Address       string   `json:"address"`
	Port          int      `json:"port"`
	Platform      string   `json:"platform"`
	Version       string   `json:"version"`
	Capabilities  []string `json:"capabilities"`
	Status        Status   `json:"status"`
	LastSeen      int64    `json:"lastSeen"` // epoch ms
	FailureCount  int      `json:"failureCount"`
	Trusted       bool     `json:"trusted"`
	ManuallyAdded bool     `json:"manuallyAdded"`
}

// ManualNodeID builds the synthetic nodeId spec.md §3 mandates for
// manually-added peers, so repeated POST /peers for the same
// address:port resolve to the same record.
func ManualNodeID(address string, port int) string {
	return fmt.Sprintf("manual-%s:%d", address, port)
}

// Registry owns the peer map. All mutation paths are serialized by mu;
// no method may hold mu across a network or disk I/O boundary beyond
// the atomic read-then-write a single save() performs.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	path  string
}

// New constructs an empty registry persisting to <dataDir>/peers.json.
func New(dataDir string) *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
		path:  dataDir + "/peers.json",
	}
}

// Get returns a copy of the peer with the given nodeId.
func (r *Registry) Get(nodeID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// GetByAddress finds a peer by its address:port. Manual adds dedupe
// through ManualNodeID and the dashboard merges by its own key, so
// neither calls this.
func (r *Registry) GetByAddress(addr string, port int) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.Address == addr && p.Port == port {
			return *p, true
		}
	}
	return Peer{}, false
}

// GetAll returns a snapshot slice of every known peer.
func (r *Registry) GetAll() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// GetOnline returns only peers currently marked online.
func (r *Registry) GetOnline() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Status == StatusOnline {
			out = append(out, *p)
		}
	}
	return out
}

// Upsert merges u into the existing record for u.NodeID field-wise:
// zero-valued fields of u leave the existing field untouched (P1). A
// new nodeId is inserted as-is.
func (r *Registry) Upsert(u Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.peers[u.NodeID]
	if !ok {
		cp := u
		r.peers[u.NodeID] = &cp
		return cp
	}

	merged := *existing
	if u.Hostname != "" {
		merged.Hostname = u.Hostname
	}
	if u.Address != "" {
		merged.Address = u.Address
	}
	if u.Port != 0 {
		merged.Port = u.Port
	}
	if u.Platform != "" {
		merged.Platform = u.Platform
	}
	if u.Version != "" {
		merged.Version = u.Version
	}
	if len(u.Capabilities) > 0 {
		merged.Capabilities = u.Capabilities
	}
	if u.Status != "" {
		merged.Status = u.Status
	}
	if u.LastSeen != 0 {
		merged.LastSeen = u.LastSeen
	}
	merged.Trusted = merged.Trusted || u.Trusted
	merged.ManuallyAdded = merged.ManuallyAdded || u.ManuallyAdded

	r.peers[u.NodeID] = &merged
	return merged
}

// Remove deletes a peer outright (the only way a peer disappears,
// per §3's lifecycle note).
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, nodeID)
}

// MarkOnline resets failureCount and stamps lastSeen, per §4.1.
func (r *Registry) MarkOnline(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return
	}
	p.Status = StatusOnline
	p.FailureCount = 0
	p.LastSeen = time.Now().UnixMilli()
}

// MarkFailure increments failureCount and returns the new count so the
// health checker can compare it against the offline threshold.
func (r *Registry) MarkFailure(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return 0
	}
	p.FailureCount++
	return p.FailureCount
}

// MarkOffline flips status to offline without touching failureCount
// (the caller has already decided the threshold was crossed).
func (r *Registry) MarkOffline(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return
	}
	p.Status = StatusOffline
}

// Load reads peers.json, tolerating a missing or malformed file by
// yielding an empty registry rather than failing startup (§4.1).
func (r *Registry) Load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return
	}
	var list []Peer
	if err := json.Unmarshal(data, &list); err != nil {
		log.Printf("[peers] snapshot at %s is malformed, starting empty: %v", r.path, err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range list {
		cp := p
		r.peers[p.NodeID] = &cp
	}
	log.Printf("[peers] loaded %d peers from %s", len(list), r.path)
}

// Save atomically rewrites peers.json from a consistent in-memory
// snapshot (§5: snapshot writes must be atomic with respect to
// mutation, though they may lag behind it).
func (r *Registry) Save() error {
	r.mu.RLock()
	list := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		list = append(list, *p)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("peers: marshal snapshot: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("peers: write snapshot: %w", err)
	}
	return os.Rename(tmp, r.path)
}
