// Package identity builds the ephemeral node-identity record every
// daemon generates once at startup (§3). It is never persisted: a
// restarted daemon gets a fresh nodeId and re-announces itself.
package identity

import (
	"os"
	"runtime"

	"github.com/google/uuid"
)

// Capabilities is the fixed capability list every loopsyd instance
// advertises; spec.md §3 calls this list fixed, not configurable.
var Capabilities = []string{"execute", "transfer", "context", "ai-tasks"}

// ProtocolVersion is the wire protocol this build speaks; bumped on a
// breaking §6 change. Compared during /peers/handshake (SPEC_FULL.md
// C.5 capability negotiation gate).
const ProtocolVersion = "1.0"

// Identity is this node's self-description.
type Identity struct {
	NodeID       string   `json:"nodeId"`
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform"`
	Version      string   `json:"version"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

// New generates a fresh node identity bound to the given listen port.
func New(port int, nodeName string) Identity {
	hostname := nodeName
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "loopsy-node"
		}
	}
	return Identity{
		NodeID:       uuid.New().String(),
		Hostname:     hostname,
		Platform:     runtime.GOOS,
		Version:      ProtocolVersion,
		Port:         port,
		Capabilities: Capabilities,
	}
}

// MajorVersionCompatible reports whether a remote protocol version
// string shares this node's major version component. Used by the
// handshake handler to fire the SPEC_FULL.md C.5 version-mismatch gate.
func MajorVersionCompatible(remote string) bool {
	if remote == "" {
		return true // absent version: tolerate older peers
	}
	return majorOf(remote) == majorOf(ProtocolVersion)
}

func majorOf(v string) string {
	for i, c := range v {
		if c == '.' {
			return v[:i]
		}
	}
	return v
}
