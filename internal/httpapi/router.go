// Package httpapi implements the HTTP Router (C9): bindings from
// C1-C8 and C10 to the wire API in §6. Routing via gorilla/mux and the
// respondJSON/respondError convention are adapted from the teacher's
// cmd/dplaned/main.go wiring and internal/handlers/helpers.go.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/loopsy-mesh/loopsyd/internal/aitask"
	"github.com/loopsy-mesh/loopsyd/internal/apierr"
	"github.com/loopsy-mesh/loopsyd/internal/audit"
	"github.com/loopsy-mesh/loopsyd/internal/config"
	"github.com/loopsy-mesh/loopsyd/internal/contextstore"
	"github.com/loopsy-mesh/loopsyd/internal/dashboard"
	"github.com/loopsy-mesh/loopsyd/internal/identity"
	"github.com/loopsy-mesh/loopsyd/internal/jobs"
	"github.com/loopsy-mesh/loopsyd/internal/pairing"
	"github.com/loopsy-mesh/loopsyd/internal/peers"
	"github.com/loopsy-mesh/loopsyd/internal/transfer"
	"github.com/loopsy-mesh/loopsyd/internal/wsmonitor"
)

// Server wires every component to its HTTP surface.
type Server struct {
	cfg       *config.Config
	identity  identity.Identity
	registry  *peers.Registry
	ctxStore  *contextstore.Store
	jobMgr    *jobs.Manager
	aiMgr     *aitask.Manager
	pairMgr   *pairing.Machine
	auditLog  *audit.Logger
	pathCheck *transfer.PathChecker
	agg       *dashboard.Aggregator
	hub       *wsmonitor.Hub
	startedAt time.Time
}

// Deps bundles every constructed component for NewServer.
type Deps struct {
	Config      *config.Config
	Identity    identity.Identity
	Registry    *peers.Registry
	ContextStore *contextstore.Store
	Jobs        *jobs.Manager
	AITasks     *aitask.Manager
	Pairing     *pairing.Machine
	Audit       *audit.Logger
	PathCheck   *transfer.PathChecker
	Dashboard   *dashboard.Aggregator
	WSHub       *wsmonitor.Hub
}

// NewServer constructs the router-bound server from its dependencies.
func NewServer(d Deps) *Server {
	return &Server{
		cfg: d.Config, identity: d.Identity, registry: d.Registry,
		ctxStore: d.ContextStore, jobMgr: d.Jobs, aiMgr: d.AITasks,
		pairMgr: d.Pairing, auditLog: d.Audit, pathCheck: d.PathCheck,
		agg: d.Dashboard, hub: d.WSHub, startedAt: time.Now(),
	}
}

// Router builds the full gorilla/mux router, auth+audit middleware
// applied to every /api/v1 route except the unauthenticated ones
// listed in §4.8.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/pair/start", s.handlePairStart).Methods(http.MethodPost)
	api.HandleFunc("/pair/initiate", s.handlePairInitiate).Methods(http.MethodPost)
	api.HandleFunc("/pair/confirm", s.handlePairConfirm).Methods(http.MethodPost)
	api.HandleFunc("/pair/status", s.handlePairStatus).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authAndAuditMiddleware)

	authed.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	authed.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	authed.HandleFunc("/peers", s.handleGetPeers).Methods(http.MethodGet)
	authed.HandleFunc("/peers", s.handlePostPeer).Methods(http.MethodPost)
	authed.HandleFunc("/peers/handshake", s.handleHandshake).Methods(http.MethodPost)
	authed.HandleFunc("/peers/{nodeId}", s.handleDeletePeer).Methods(http.MethodDelete)

	authed.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	authed.HandleFunc("/execute/stream", s.handleExecuteStream).Methods(http.MethodPost)
	authed.HandleFunc("/execute/jobs", s.handleListJobs).Methods(http.MethodGet)
	authed.HandleFunc("/execute/{jobId}", s.handleCancelJob).Methods(http.MethodDelete)

	authed.HandleFunc("/transfer/push", s.handleTransferPush).Methods(http.MethodPost)
	authed.HandleFunc("/transfer/pull", s.handleTransferPull).Methods(http.MethodPost)
	authed.HandleFunc("/transfer/list", s.handleTransferList).Methods(http.MethodPost)

	authed.HandleFunc("/context/{key}", s.handleContextPut).Methods(http.MethodPut)
	authed.HandleFunc("/context/{key}", s.handleContextGet).Methods(http.MethodGet)
	authed.HandleFunc("/context/{key}", s.handleContextDelete).Methods(http.MethodDelete)
	authed.HandleFunc("/context", s.handleContextList).Methods(http.MethodGet)

	authed.HandleFunc("/ai-tasks", s.handleDispatchAITask).Methods(http.MethodPost)
	authed.HandleFunc("/ai-tasks", s.handleListAITasks).Methods(http.MethodGet)
	authed.HandleFunc("/ai-tasks/{taskId}", s.handleGetAITask).Methods(http.MethodGet)
	authed.HandleFunc("/ai-tasks/{taskId}", s.handleDeleteAITask).Methods(http.MethodDelete)
	authed.HandleFunc("/ai-tasks/{taskId}/stream", s.handleAITaskStream).Methods(http.MethodGet)
	authed.HandleFunc("/ai-tasks/{taskId}/events", s.handleAITaskEvents).Methods(http.MethodGet)
	authed.HandleFunc("/ai-tasks/{taskId}/permission-request", s.handlePermissionRequest).Methods(http.MethodPost)
	authed.HandleFunc("/ai-tasks/{taskId}/permission-response", s.handlePermissionResponse).Methods(http.MethodGet)
	authed.HandleFunc("/ai-tasks/{taskId}/approve", s.handleApprove).Methods(http.MethodPost)

	authed.HandleFunc("/audit/verify", s.handleAuditVerify).Methods(http.MethodGet)

	dash := r.PathPrefix("/dashboard").Subrouter()
	dash.HandleFunc("/ws/monitor", s.hub.ServeHTTP)
	dash.HandleFunc("/peers/all", s.handleDashboardPeersAll).Methods(http.MethodGet)
	dash.HandleFunc("/ai-tasks/all", s.handleDashboardAITasksAll).Methods(http.MethodGet)
	dash.PathPrefix("/api/proxy/{port}/api/v1/").HandlerFunc(s.handleDashboardProxy)

	return s.loggingMiddleware(r)
}

// loggingMiddleware logs each request the way the teacher's daemon
// tags lines with a bracketed component ([dplaned] there, [http] here).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[http] %s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// authAndAuditMiddleware validates the bearer token and appends one
// audit line per response (§4.8). Unauthenticated paths are registered
// outside this subrouter entirely, matching the teacher's pattern of
// excluding specific routes from its auth middleware chain.
func (s *Server) authAndAuditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()

		token := audit.ExtractBearer(r.Header.Get("Authorization"))
		if token == "" {
			respondError(w, apierr.New(apierr.AuthMissing, "missing bearer token"))
			s.appendAudit(requestID, r, http.StatusUnauthorized, start)
			return
		}
		if !audit.IsValidKey(token, s.cfg.AllAPIKeys()) {
			respondError(w, apierr.New(apierr.AuthInvalid, "invalid bearer token"))
			s.appendAudit(requestID, r, http.StatusForbidden, start)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.appendAudit(requestID, r, rec.status, start)
	})
}

func (s *Server) appendAudit(requestID string, r *http.Request, status int, start time.Time) {
	if err := s.auditLog.Append(audit.Record{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		FromIP:     r.RemoteAddr,
		StatusCode: status,
		Duration:   time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		log.Printf("[audit] write failed (swallowed): %v", err) // §4.8/§7: never blocks the response path
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondOK(w http.ResponseWriter, payload interface{}) {
	respondJSON(w, http.StatusOK, payload)
}

func respondError(w http.ResponseWriter, err error) {
	status, envelope := apierr.ToEnvelope(err)
	respondJSON(w, status, envelope)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.New(apierr.InvalidRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func parsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
