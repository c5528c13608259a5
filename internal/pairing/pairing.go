// Package pairing implements the Pairing State Machine (C7): a
// single-session-at-a-time ECDH+SAS exchange (§4.7). There is no
// teacher precedent for this (the teacher authenticates via LDAP,
// dropped entirely per spec.md's Non-goals); the session-timer and
// single-flight-guard shape borrows the concurrency discipline used
// throughout the teacher's mutex-guarded managers (peers/health).
package pairing

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

const sessionTimeout = 300 * time.Second

// State is the pairing session's lifecycle stage.
type State string

const (
	StateWaiting      State = "waiting"
	StateKeyExchanged State = "key_exchanged"
	StateCompleted    State = "completed"
	StateExpired      State = "expired"
)

// PendingPeer is the candidate trust-pair info gathered during
// /pair/initiate, applied to config on confirm.
type PendingPeer struct {
	Hostname        string
	APIKey          string
	CertFingerprint string
}

type session struct {
	inviteCode  string
	priv        *ecdh.PrivateKey
	expiresAt   time.Time
	state       State
	peerPubKey  []byte
	sas         string
	pendingPeer *PendingPeer
	timer       *time.Timer
}

// Machine owns the at-most-one live session (§3).
type Machine struct {
	hostname string
	apiKey   func() string

	mu   sync.Mutex
	sess *session
}

// New constructs a pairing state machine. hostname/apiKey describe
// this node as presented to the peer during initiate.
func New(hostname string, apiKey func() string) *Machine {
	return &Machine{hostname: hostname, apiKey: apiKey}
}

func randomInviteCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// StartResult is the response body for POST /pair/start.
type StartResult struct {
	InviteCode string `json:"inviteCode"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Start begins a new session, rejecting with 409 if one is already
// live (§4.7).
func (m *Machine) Start() (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && m.sess.state != StateExpired {
		return StartResult{}, apierr.New(apierr.InvalidRequest, "a pairing session is already in progress")
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return StartResult{}, apierr.Wrap(apierr.InternalError, "key generation failed", err)
	}
	code, err := randomInviteCode()
	if err != nil {
		return StartResult{}, apierr.Wrap(apierr.InternalError, "invite code generation failed", err)
	}
	expiresAt := time.Now().Add(sessionTimeout)

	s := &session{inviteCode: code, priv: priv, expiresAt: expiresAt, state: StateWaiting}
	s.timer = time.AfterFunc(sessionTimeout, func() { m.expire(s) })
	m.sess = s

	return StartResult{InviteCode: code, ExpiresAt: expiresAt.UnixMilli()}, nil
}

func (m *Machine) expire(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == s {
		m.sess.state = StateExpired
	}
}

// deriveSAS computes SHA-256(secret || "loopsy-sas")[0:4] interpreted
// as a big-endian uint32, mod 1e6, zero-padded to 6 digits (§4.7/P8).
func deriveSAS(secret []byte) string {
	h := sha256.Sum256(append(append([]byte{}, secret...), []byte("loopsy-sas")...))
	v := uint32(h[0])<<24 | uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	return fmt.Sprintf("%06d", v%1000000)
}

// deriveSessionKey runs the ECDH shared secret through HKDF to produce
// a 32-byte trust-pair key, ahead of SAS derivation — this is the
// x/crypto use that replaces the teacher's bcrypt password hashing
// (see DESIGN.md).
func deriveSessionKey(secret []byte) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, nil, []byte("loopsy-pairing"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// InitiateResult is the response body for POST /pair/initiate.
type InitiateResult struct {
	PublicKey       []byte `json:"publicKey"`
	Hostname        string `json:"hostname"`
	APIKey          string `json:"apiKey"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
	SAS             string `json:"sas"`
}

// Initiate validates the invite code and computes the shared
// secret/SAS from the peer's public key (unauthenticated; §4.7).
func (m *Machine) Initiate(peerPublicKey []byte, inviteCode, peerHostname, peerAPIKey, peerCertFingerprint string) (InitiateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil || s.state == StateExpired || time.Now().After(s.expiresAt) {
		return InitiateResult{}, apierr.New(apierr.InvalidRequest, "no active pairing session")
	}
	if s.inviteCode != inviteCode {
		return InitiateResult{}, apierr.New(apierr.InvalidRequest, "invite code does not match")
	}

	theirPub, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return InitiateResult{}, apierr.New(apierr.InvalidRequest, "invalid peer public key")
	}
	secret, err := s.priv.ECDH(theirPub)
	if err != nil {
		return InitiateResult{}, apierr.Wrap(apierr.InternalError, "ECDH failed", err)
	}
	if _, err := deriveSessionKey(secret); err != nil {
		return InitiateResult{}, apierr.Wrap(apierr.InternalError, "key derivation failed", err)
	}
	sas := deriveSAS(secret)

	s.peerPubKey = peerPublicKey
	s.sas = sas
	s.state = StateKeyExchanged
	s.pendingPeer = &PendingPeer{Hostname: peerHostname, APIKey: peerAPIKey, CertFingerprint: peerCertFingerprint}

	return InitiateResult{
		PublicKey: s.priv.PublicKey().Bytes(),
		Hostname:  m.hostname,
		APIKey:    m.apiKey(),
		SAS:       sas,
	}, nil
}

// ConfirmResult is what the caller of Confirm should apply to config
// when Applied is true.
type ConfirmResult struct {
	Applied bool
	Peer    PendingPeer
}

// Confirm completes or aborts a key-exchanged session (§4.7).
func (m *Machine) Confirm(confirmed bool) (ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sess
	if s == nil || s.state != StateKeyExchanged {
		return ConfirmResult{}, apierr.New(apierr.InvalidRequest, "no key-exchanged pairing session to confirm")
	}
	s.timer.Stop()

	if !confirmed {
		m.sess = nil
		return ConfirmResult{Applied: false}, nil
	}

	s.state = StateCompleted
	peer := *s.pendingPeer
	m.sess = nil
	return ConfirmResult{Applied: true, Peer: peer}, nil
}

// StatusResult is the response body for GET /pair/status.
type StatusResult struct {
	State      State  `json:"state"`
	InviteCode string `json:"inviteCode,omitempty"`
	ExpiresAt  int64  `json:"expiresAt,omitempty"`
}

// Status reports the live session's state, or "expired" absent one.
func (m *Machine) Status() StatusResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StatusResult{State: StateExpired}
	}
	if time.Now().After(m.sess.expiresAt) {
		m.sess.state = StateExpired
	}
	return StatusResult{State: m.sess.state, InviteCode: m.sess.inviteCode, ExpiresAt: m.sess.expiresAt.UnixMilli()}
}
