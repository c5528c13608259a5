package httpapi

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/loopsy-mesh/loopsyd/internal/aitask"
	"github.com/loopsy-mesh/loopsyd/internal/apierr"
	"github.com/loopsy-mesh/loopsyd/internal/identity"
	"github.com/loopsy-mesh/loopsyd/internal/peers"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]interface{}{
		"status": "ok",
		"nodeId": s.identity.NodeID,
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.identity)
}

// handleStatus returns a summary view combining identity, peer counts,
// and active job/task counts (§6.2).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	online := s.registry.GetOnline()
	activeTasks := 0
	for _, t := range s.aiMgr.List() {
		if t.Status == aitask.StatusRunning || t.Status == aitask.StatusWaitingApproval {
			activeTasks++
		}
	}
	respondOK(w, map[string]interface{}{
		"identity":      s.identity,
		"uptime":        time.Since(s.startedAt).Seconds(),
		"peerCount":     len(s.registry.GetAll()),
		"onlinePeers":   len(online),
		"activeJobs":    s.jobMgr.ActiveCount(),
		"activeAITasks": activeTasks,
	})
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.registry.GetAll())
}

type postPeerRequest struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Hostname string `json:"hostname"`
}

// handlePostPeer implements manual peer addition (§4.1/§6.2), upserting
// under the synthetic manual-* nodeId so repeated calls for the same
// address:port converge on one record.
func (s *Server) handlePostPeer(w http.ResponseWriter, r *http.Request) {
	var req postPeerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Address == "" || req.Port == 0 {
		respondError(w, apierr.New(apierr.InvalidRequest, "address and port are required"))
		return
	}
	peer := s.registry.Upsert(peers.Peer{
		NodeID:        peers.ManualNodeID(req.Address, req.Port),
		Hostname:      req.Hostname,
		Address:       req.Address,
		Port:          req.Port,
		Status:        peers.StatusUnknown,
		ManuallyAdded: true,
	})
	respondJSON(w, http.StatusCreated, peer)
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	if _, ok := s.registry.Get(nodeID); !ok {
		respondError(w, apierr.New(apierr.PeerNotFound, "peer not found"))
		return
	}
	s.registry.Remove(nodeID)
	w.WriteHeader(http.StatusNoContent)
}

type handshakeRequest struct {
	NodeID          string   `json:"nodeId"`
	Hostname        string   `json:"hostname"`
	Platform        string   `json:"platform"`
	Version         string   `json:"version"`
	Port            int      `json:"port"`
	Capabilities    []string `json:"capabilities"`
}

// handleHandshake implements POST /peers/handshake (§4.1/SPEC_FULL.md
// §C.5): a remote daemon introduces itself; we upsert it and answer
// with our own identity so both sides converge in one round trip,
// gated on major protocol version compatibility.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.NodeID == "" {
		respondError(w, apierr.New(apierr.InvalidRequest, "nodeId is required"))
		return
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !identity.MajorVersionCompatible(req.Version) {
		s.registry.Upsert(peers.Peer{
			NodeID: req.NodeID, Hostname: req.Hostname, Address: host, Port: req.Port,
			Platform: req.Platform, Version: req.Version, Capabilities: req.Capabilities,
			Status: peers.StatusUnknown,
		})
		respondError(w, apierr.New(apierr.PeerVersionMismatch, "incompatible protocol major version"))
		return
	}

	peer := s.registry.Upsert(peers.Peer{
		NodeID:       req.NodeID,
		Hostname:     req.Hostname,
		Address:      host,
		Port:         req.Port,
		Platform:     req.Platform,
		Version:      req.Version,
		Capabilities: req.Capabilities,
		Status:       peers.StatusOnline,
		LastSeen:     time.Now().UnixMilli(),
	})
	s.registry.MarkOnline(peer.NodeID)

	respondOK(w, s.identity)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.auditLog.Verify()
	if err != nil {
		respondError(w, apierr.Wrap(apierr.InternalError, "audit verification failed", err))
		return
	}
	respondOK(w, result)
}
