package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/loopsy-mesh/loopsyd/internal/aitask"
	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

type dispatchAITaskRequest struct {
	Prompt          string                 `json:"prompt"`
	Cwd             string                 `json:"cwd"`
	PermissionMode  aitask.PermissionMode  `json:"permissionMode"`
	Model           string                 `json:"model"`
	Agent           aitask.Agent           `json:"agent"`
	MaxBudgetUsd    float64                `json:"maxBudgetUsd"`
	AllowedTools    []string               `json:"allowedTools"`
	DisallowedTools []string               `json:"disallowedTools"`
	AdditionalArgs  []string               `json:"additionalArgs"`
}

func (s *Server) handleDispatchAITask(w http.ResponseWriter, r *http.Request) {
	var req dispatchAITaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Prompt == "" {
		respondError(w, apierr.New(apierr.InvalidRequest, "prompt is required"))
		return
	}
	info, err := s.aiMgr.Dispatch(r.Context(), aitask.DispatchParams{
		Prompt: req.Prompt, Cwd: req.Cwd, PermissionMode: req.PermissionMode,
		Model: req.Model, Agent: req.Agent, MaxBudgetUsd: req.MaxBudgetUsd,
		AllowedTools: req.AllowedTools, DisallowedTools: req.DisallowedTools,
		AdditionalArgs: req.AdditionalArgs,
	}, fromNodeID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListAITasks(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.aiMgr.List())
}

func (s *Server) handleGetAITask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	info, ok := s.aiMgr.Get(taskID)
	if !ok {
		respondError(w, apierr.New(apierr.AITaskNotFound, "task not found"))
		return
	}
	respondOK(w, info)
}

func (s *Server) handleDeleteAITask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	if err := s.aiMgr.Cancel(taskID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAITaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	events, ok := s.aiMgr.EventBuffer(taskID)
	if !ok {
		respondError(w, apierr.New(apierr.AITaskNotFound, "task not found"))
		return
	}
	respondOK(w, events)
}

// handleAITaskStream implements GET /ai-tasks/:taskId/stream?since=,
// replaying buffered events after `since` (ms) then live events as SSE
// frames until the client disconnects (§4.6.4).
func (s *Server) handleAITaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			since = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, apierr.New(apierr.InternalError, "streaming not supported by this response writer"))
		return
	}

	frames := make(chan aitask.Event, 64)
	unsubscribe, ok := s.aiMgr.Subscribe(taskID, since, func(e aitask.Event) {
		select {
		case frames <- e:
		default:
		}
	})
	if !ok {
		respondError(w, apierr.New(apierr.AITaskNotFound, "task not found"))
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-frames:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
			if e.Type == aitask.EventExit {
				return
			}
		}
	}
}

type permissionRequestBody struct {
	RequestID   string      `json:"requestId"`
	ToolName    string      `json:"toolName"`
	ToolInput   interface{} `json:"toolInput"`
	Description string      `json:"description"`
}

// handlePermissionRequest is the PreToolUse hook's POST (step 2 of
// §4.6.5).
func (s *Server) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req permissionRequestBody
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.aiMgr.RegisterPermissionRequest(taskID, req.RequestID, req.ToolName, req.ToolInput, req.Description); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePermissionResponse is the hook's 100ms poll (step 4 of §4.6.5).
func (s *Server) handlePermissionResponse(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	requestID := r.URL.Query().Get("requestId")
	if requestID == "" {
		respondError(w, apierr.New(apierr.InvalidRequest, "requestId query parameter is required"))
		return
	}
	view, err := s.aiMgr.PollPermissionResponse(taskID, requestID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, view)
}

type approveRequest struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Message   string `json:"message"`
}

// handleApprove is the dashboard/CLI caller's decision (step 5 of
// §4.6.5), NOT driven by any in-stream permission_request event.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.aiMgr.Approve(taskID, req.RequestID, req.Approved, req.Message); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
