package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

type contextPutRequest struct {
	Value      string `json:"value"`
	TTLSeconds int64  `json:"ttl"`
}

func (s *Server) handleContextPut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req contextPutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	entry, err := s.ctxStore.Set(key, req.Value, fromNodeID(r), req.TTLSeconds)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.ctxStore.Save(); err != nil {
		respondError(w, apierr.Wrap(apierr.InternalError, "persisting context snapshot", err))
		return
	}
	respondOK(w, entry)
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	entry, ok := s.ctxStore.Get(key)
	if !ok {
		respondError(w, apierr.New(apierr.ContextKeyNotFound, "context key not found"))
		return
	}
	respondOK(w, entry)
}

func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.ctxStore.Delete(key)
	if err := s.ctxStore.Save(); err != nil {
		respondError(w, apierr.Wrap(apierr.InternalError, "persisting context snapshot", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContextList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	respondOK(w, s.ctxStore.List(prefix))
}
