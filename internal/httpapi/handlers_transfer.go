package httpapi

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

const transferFormMaxMemory = 32 << 20 // buffer threshold before spilling multipart parts to temp files

// handleTransferPush implements POST /transfer/push (multipart form,
// fields "destPath" and file part "file"); §6.2/P9.
func (s *Server) handleTransferPush(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(transferFormMaxMemory); err != nil {
		respondError(w, apierr.New(apierr.InvalidRequest, "invalid multipart body: "+err.Error()))
		return
	}
	destPath := r.FormValue("destPath")
	if destPath == "" {
		respondError(w, apierr.New(apierr.InvalidRequest, "destPath is required"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, apierr.New(apierr.InvalidRequest, "file part is required"))
		return
	}
	defer file.Close()

	result, err := s.pathCheck.Push(destPath, file, s.cfg.Transfer.MaxFileSize)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, result)
}

type transferPullRequest struct {
	SourcePath string `json:"sourcePath"`
}

func (s *Server) handleTransferPull(w http.ResponseWriter, r *http.Request) {
	var req transferPullRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	f, err := s.pathCheck.Pull(req.SourcePath)
	if err != nil {
		respondError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(req.SourcePath)+"\"")
	if info, err := f.Stat(); err == nil && !info.IsDir() {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	io.Copy(w, f)
}

type transferListRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleTransferList(w http.ResponseWriter, r *http.Request) {
	var req transferListRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	entries, err := s.pathCheck.List(req.Path)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, entries)
}
