package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

func (s *Server) handleDashboardPeersAll(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.agg.AllPeers())
}

func (s *Server) handleDashboardAITasksAll(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.agg.AllAITasks())
}

// handleDashboardProxy implements /dashboard/api/proxy/:port/api/v1/*,
// forwarding to a sibling daemon on 127.0.0.1:port (§4.9).
func (s *Server) handleDashboardProxy(w http.ResponseWriter, r *http.Request) {
	portStr := mux.Vars(r)["port"]
	port, err := parsePort(portStr)
	if err != nil {
		respondError(w, apierr.New(apierr.InvalidRequest, "invalid port"))
		return
	}
	prefix := "/dashboard/api/proxy/" + portStr
	upstreamPath := strings.TrimPrefix(r.URL.Path, prefix)
	if r.URL.RawQuery != "" {
		upstreamPath += "?" + r.URL.RawQuery
	}
	s.agg.ProxyRequest(w, r, port, upstreamPath)
}
