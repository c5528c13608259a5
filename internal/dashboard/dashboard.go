// Package dashboard implements the Dashboard Aggregator (C10): sibling
// session discovery, fan-out across local/remote daemons, and a
// URL-mounted reverse proxy (§4.9). The fan-out-and-merge shape is
// stylistically grounded on the teacher's internal/ha.Manager.Status()
// (build a local record, merge peer records, summarize); the
// credential LRU is the concrete mechanism DESIGN NOTES §9 calls for
// in place of the source's "try every key" loop.
package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loopsy-mesh/loopsyd/internal/peers"
)

// Sibling is a local session discovered via its PID file.
type Sibling struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Address string `json:"address"`
}

// Aggregator fans out requests to sibling daemons and remote peers.
type Aggregator struct {
	dataDir  string
	registry *peers.Registry
	apiKeys  func() []string
	client   *http.Client
	credLRU  *lru.Cache[string, string] // peer address:port -> last-working key
}

// New constructs an aggregator. apiKeys returns the full candidate key
// set (own key + trusted peer keys) at call time.
func New(dataDir string, registry *peers.Registry, apiKeys func() []string) *Aggregator {
	cache, _ := lru.New[string, string](256)
	return &Aggregator{
		dataDir:  dataDir,
		registry: registry,
		apiKeys:  apiKeys,
		client:   &http.Client{Timeout: 3 * time.Second},
		credLRU:  cache,
	}
}

// DiscoverSiblings enumerates <dataDir>/sessions/*/daemon.pid, probing
// each PID for liveness and its port for a health 200 (§4.9).
func (a *Aggregator) DiscoverSiblings() []Sibling {
	sessionsDir := filepath.Join(a.dataDir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return nil
	}
	out := make([]Sibling, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pidPath := filepath.Join(sessionsDir, e.Name(), "daemon.pid")
		data, err := os.ReadFile(pidPath)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || !processAlive(pid) {
			continue
		}
		cfg, err := readSessionPort(filepath.Join(sessionsDir, e.Name(), "config.yaml"))
		if err != nil {
			continue
		}
		if !a.probeHealth("127.0.0.1", cfg) {
			continue
		}
		out = append(out, Sibling{Name: e.Name(), Port: cfg, PID: pid, Address: "127.0.0.1"})
	}
	return out
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// readSessionPort extracts server.port from a sibling's config.yaml
// with a minimal line scan, avoiding a second viper instance per probe.
func readSessionPort(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "port:") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "port:"))
			return strconv.Atoi(v)
		}
	}
	return 0, fmt.Errorf("no server.port found in %s", path)
}

func (a *Aggregator) probeHealth(host string, port int) bool {
	url := fmt.Sprintf("http://%s:%d/api/v1/health", host, port)
	resp, err := a.client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// authedGet performs a GET against addr:port/path, trying the cached
// working key first, then falling back through the full candidate set
// (DESIGN NOTES §9's credential LRU).
func (a *Aggregator) authedGet(addr string, port int, path string) ([]byte, error) {
	target := fmt.Sprintf("%s:%d", addr, port)
	keys := a.apiKeys()
	if cached, ok := a.credLRU.Get(target); ok {
		keys = append([]string{cached}, keys...)
	}
	var lastErr error
	for _, key := range keys {
		body, status, err := a.doGet(addr, port, path, key)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			continue // wrong key, next
		}
		a.credLRU.Add(target, key)
		return body, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no working credential for %s", target)
}

func (a *Aggregator) doGet(addr string, port int, path, key string) ([]byte, int, error) {
	url := fmt.Sprintf("http://%s:%d%s", addr, port, path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return body, resp.StatusCode, err
}

// rewriteLoopback replaces a 127.0.0.1 address in a peer record with
// the remote daemon's real IP (§4.9's transitive-discovery rewrite).
func rewriteLoopback(p peers.Peer, remoteIP string) peers.Peer {
	if p.Address == "127.0.0.1" || p.Address == "localhost" {
		p.Address = remoteIP
	}
	return p
}

// AllPeers implements GET /dashboard/peers/all: fan out to every live
// sibling, merge by address:port, then re-query each still-online
// remote peer one hop further (§4.9).
func (a *Aggregator) AllPeers() []peers.Peer {
	merged := make(map[string]peers.Peer)
	addKey := func(p peers.Peer) string { return fmt.Sprintf("%s:%d", p.Address, p.Port) }

	for _, sib := range a.DiscoverSiblings() {
		body, err := a.doGetLocal(sib.Address, sib.Port, "/api/v1/peers")
		if err != nil {
			continue
		}
		var list []peers.Peer
		if json.Unmarshal(body, &list) != nil {
			continue
		}
		for _, p := range list {
			mergePeer(merged, addKey(p), p)
		}
	}

	for _, p := range snapshotValues(merged) {
		if p.Status != peers.StatusOnline {
			continue
		}
		body, err := a.authedGet(p.Address, p.Port, "/api/v1/peers")
		if err != nil {
			continue
		}
		var list []peers.Peer
		if json.Unmarshal(body, &list) != nil {
			continue
		}
		for _, rp := range list {
			rp = rewriteLoopback(rp, p.Address)
			mergePeer(merged, addKey(rp), rp)
		}
	}

	out := make([]peers.Peer, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	return out
}

func snapshotValues(m map[string]peers.Peer) []peers.Peer {
	out := make([]peers.Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// mergePeer prefers online status and the most recent lastSeen on
// conflict, per §4.9.
func mergePeer(merged map[string]peers.Peer, key string, p peers.Peer) {
	existing, ok := merged[key]
	if !ok {
		merged[key] = p
		return
	}
	if p.Status == peers.StatusOnline && existing.Status != peers.StatusOnline {
		merged[key] = p
		return
	}
	if p.LastSeen > existing.LastSeen {
		merged[key] = p
	}
}

func (a *Aggregator) doGetLocal(addr string, port int, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", addr, port, path)
	resp, err := a.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// AllAITasks implements GET /dashboard/ai-tasks/all, deduping by
// taskId across siblings (§4.9).
func (a *Aggregator) AllAITasks() []map[string]interface{} {
	seen := make(map[string]map[string]interface{})
	for _, sib := range a.DiscoverSiblings() {
		body, err := a.doGetLocal(sib.Address, sib.Port, "/api/v1/ai-tasks")
		if err != nil {
			continue
		}
		var list []map[string]interface{}
		if json.Unmarshal(body, &list) != nil {
			continue
		}
		for _, t := range list {
			if id, ok := t["taskId"].(string); ok {
				seen[id] = t
			}
		}
	}
	out := make([]map[string]interface{}, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	return out
}

// ProxyRequest forwards req to the sibling on port, relaying SSE
// streams byte-for-byte as they arrive (§4.9).
func (a *Aggregator) ProxyRequest(w http.ResponseWriter, r *http.Request, port int, upstreamPath string) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, upstreamPath)

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, _ = io.ReadAll(r.Body)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()

	client := &http.Client{Timeout: 30 * time.Minute} // SSE relays may run long
	resp, err := client.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		flusher, ok := w.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				if ok {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}
	io.Copy(w, resp.Body)
}
