package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
	"github.com/loopsy-mesh/loopsyd/internal/jobs"
)

type executeRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	Timeout int64             `json:"timeout"`
}

func (req executeRequest) toParams() jobs.Params {
	return jobs.Params{
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Timeout: time.Duration(req.Timeout) * time.Millisecond,
	}
}

func fromNodeID(r *http.Request) string {
	return r.Header.Get("X-Loopsy-Node-Id")
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Command == "" {
		respondError(w, apierr.New(apierr.InvalidRequest, "command is required"))
		return
	}
	result, err := s.jobMgr.Execute(r.Context(), req.toParams(), fromNodeID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, result)
}

// handleExecuteStream implements POST /execute/stream as an SSE
// response: one "event: <type>\ndata: <json>\n\n" frame per
// jobs.StreamEvent, flushed as it arrives (§4.5).
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Command == "" {
		respondError(w, apierr.New(apierr.InvalidRequest, "command is required"))
		return
	}

	events, err := s.jobMgr.ExecuteStream(r.Context(), req.toParams(), fromNodeID(r))
	if err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, apierr.New(apierr.InternalError, "streaming not supported by this response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.jobMgr.ActiveJobs())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	if err := s.jobMgr.Cancel(jobID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
