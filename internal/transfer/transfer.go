// Package transfer implements the file push/pull/list endpoints
// (§6.2). The allow/deny path-prefix gate is generalized from the
// teacher's internal/security path-safety idiom (ValidateMountPoint's
// prefix checking), applied to spec.md's configurable
// transfer.allowedPaths/deniedPaths instead of fixed /mnt//media
// mountpoints.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loopsy-mesh/loopsyd/internal/apierr"
)

// PathChecker enforces transfer.allowedPaths/deniedPaths (§6.2/P9).
type PathChecker struct {
	allowed []string
	denied  []string
}

// NewPathChecker builds a checker from config lists. An empty allowed
// list means "allow everything not denied" per §6.2.
func NewPathChecker(allowed, denied []string) *PathChecker {
	return &PathChecker{allowed: normalizeAll(allowed), denied: normalizeAll(denied)}
}

func normalizeAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		out = append(out, filepath.Clean(abs))
	}
	return out
}

func underAny(target string, prefixes []string) bool {
	for _, p := range prefixes {
		if target == p || strings.HasPrefix(target, p+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// IsAllowed normalizes and resolves path, then applies deny-first,
// allow-if-listed semantics (§6.2/P9).
func (c *PathChecker) IsAllowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = filepath.Clean(abs) // path may not exist yet (push destination)
	}
	if underAny(resolved, c.denied) {
		return false
	}
	if len(c.allowed) == 0 {
		return true
	}
	return underAny(resolved, c.allowed)
}

// PushResult is the response body for POST /transfer/push.
type PushResult struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
	Duration int64  `json:"duration"`
}

// Push writes src to destPath under the checker's rules, returning its
// SHA-256 checksum.
func (c *PathChecker) Push(destPath string, src io.Reader, maxFileSize int64) (PushResult, error) {
	if !c.IsAllowed(destPath) {
		return PushResult{}, apierr.New(apierr.TransferPathDenied, "destination path is not allowed")
	}
	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return PushResult{}, apierr.Wrap(apierr.TransferFailed, "creating parent directory", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return PushResult{}, apierr.Wrap(apierr.TransferFailed, "creating destination file", err)
	}
	defer f.Close()

	h := sha256.New()
	limited := io.LimitReader(src, maxFileSize+1)
	n, err := io.Copy(io.MultiWriter(f, h), limited)
	if err != nil {
		return PushResult{}, apierr.Wrap(apierr.TransferFailed, "writing file", err)
	}
	if n > maxFileSize {
		os.Remove(destPath)
		return PushResult{}, apierr.New(apierr.TransferTooLarge, fmt.Sprintf("file exceeds %d byte limit", maxFileSize))
	}

	return PushResult{
		Path:     destPath,
		Size:     n,
		Checksum: hex.EncodeToString(h.Sum(nil)),
		Duration: time.Since(start).Milliseconds(),
	}, nil
}

// Pull opens sourcePath for streaming back to the caller.
func (c *PathChecker) Pull(sourcePath string) (*os.File, error) {
	if !c.IsAllowed(sourcePath) {
		return nil, apierr.New(apierr.TransferPathDenied, "source path is not allowed")
	}
	f, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.TransferFileNotFound, "source file not found")
		}
		return nil, apierr.Wrap(apierr.TransferFailed, "opening source file", err)
	}
	return f, nil
}

// FileInfo is one entry in the /transfer/list response.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Type     string `json:"type"` // file | dir
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

// List enumerates the immediate children of path.
func (c *PathChecker) List(path string) ([]FileInfo, error) {
	if !c.IsAllowed(path) {
		return nil, apierr.New(apierr.TransferPathDenied, "path is not allowed")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.TransferFileNotFound, "path not found")
		}
		return nil, apierr.Wrap(apierr.TransferFailed, "listing directory", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		typ := "file"
		if e.IsDir() {
			typ = "dir"
		}
		out = append(out, FileInfo{
			Name:     e.Name(),
			Path:     filepath.Join(path, e.Name()),
			Type:     typ,
			Size:     info.Size(),
			Modified: info.ModTime().UnixMilli(),
		})
	}
	return out, nil
}
