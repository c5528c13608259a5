package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
	"github.com/loopsy-mesh/loopsyd/internal/peers"
)

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	result, err := s.pairMgr.Start()
	if err != nil {
		if ae, ok := err.(*apierr.Error); ok && ae.Code == apierr.InvalidRequest {
			// a session is already live: answer 409 Conflict
			_, env := apierr.ToEnvelope(ae)
			respondJSON(w, http.StatusConflict, env)
			return
		}
		respondError(w, err)
		return
	}
	respondOK(w, result)
}

type pairInitiateRequest struct {
	PublicKey           string `json:"publicKey"` // base64
	InviteCode          string `json:"inviteCode"`
	Hostname            string `json:"hostname"`
	APIKey              string `json:"apiKey"`
	CertFingerprint     string `json:"certFingerprint"`
}

type pairInitiateResponse struct {
	PublicKey       string `json:"publicKey"`
	Hostname        string `json:"hostname"`
	APIKey          string `json:"apiKey"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
	SAS             string `json:"sas"`
}

func (s *Server) handlePairInitiate(w http.ResponseWriter, r *http.Request) {
	var req pairInitiateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	pubKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		respondError(w, apierr.New(apierr.InvalidRequest, "publicKey must be base64"))
		return
	}
	result, err := s.pairMgr.Initiate(pubKey, req.InviteCode, req.Hostname, req.APIKey, req.CertFingerprint)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, pairInitiateResponse{
		PublicKey:       base64.StdEncoding.EncodeToString(result.PublicKey),
		Hostname:        result.Hostname,
		APIKey:          result.APIKey,
		CertFingerprint: result.CertFingerprint,
		SAS:             result.SAS,
	})
}

type pairConfirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

// handlePairConfirm applies a confirmed pairing to config.yaml as a
// trusted peer (§4.7).
func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request) {
	var req pairConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := s.pairMgr.Confirm(req.Confirmed)
	if err != nil {
		respondError(w, err)
		return
	}
	if result.Applied {
		if s.cfg.Auth.AllowedKeys == nil {
			s.cfg.Auth.AllowedKeys = map[string]string{}
		}
		s.cfg.Auth.AllowedKeys[result.Peer.Hostname] = result.Peer.APIKey
		if result.Peer.CertFingerprint != "" {
			if s.cfg.TLS.PinnedCerts == nil {
				s.cfg.TLS.PinnedCerts = map[string]string{}
			}
			s.cfg.TLS.PinnedCerts[result.Peer.Hostname] = result.Peer.CertFingerprint
		}
		if err := s.cfg.Save(); err != nil {
			respondError(w, apierr.Wrap(apierr.InternalError, "persisting paired peer", err))
			return
		}
		s.registry.Upsert(peers.Peer{
			NodeID:   peers.ManualNodeID(result.Peer.Hostname, 0),
			Hostname: result.Peer.Hostname,
			Trusted:  true,
		})
	}
	respondOK(w, map[string]bool{"success": result.Applied})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.pairMgr.Status())
}
