// Package audit implements the Auth & Audit Hook (C8): bearer
// validation plus an append-only audit line per response (§4.8).
// JSONL-append + HMAC hash-chain is grounded directly on the teacher's
// internal/audit package (logger.go's append-only file,
// chain.go's computeRowHash), rewritten around spec.md's AuditRecord
// shape. The HMAC-chained SQLite index is an additive enrichment
// (SPEC_FULL.md §C.1) adapted from internal/ha.Manager's
// ensureSchema/upsert pattern, applied to audit rows instead of
// cluster nodes; the JSONL file remains the source of truth.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Record is the §3 audit record shape, with an additive hash field for
// tamper-evidence (SPEC_FULL.md §C.1).
type Record struct {
	RequestID  string `json:"requestId"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	FromIP     string `json:"fromIp"`
	StatusCode int    `json:"statusCode"`
	Duration   int64  `json:"duration"`
	Timestamp  int64  `json:"timestamp"`
	Hash       string `json:"hash,omitempty"`
}

// Logger owns the JSONL file, the HMAC chain key, and the optional
// SQLite index.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	key      []byte
	prevHash string
	db       *sql.DB
}

// LoadOrCreateKey reads the 32-byte HMAC key from <dataDir>/audit.key,
// generating and persisting one on first run (0600), matching the
// teacher's LoadOrCreateAuditKey pattern.
func LoadOrCreateKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "audit.key")
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("audit: generating key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("audit: persisting key: %w", err)
	}
	return key, nil
}

// New opens (or creates) <dataDir>/logs/audit.jsonl and the adjoining
// SQLite index.
func New(dataDir string) (*Logger, error) {
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return nil, err
	}
	key, err := LoadOrCreateKey(dataDir)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logsDir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening jsonl: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(logsDir, "audit_index.db"))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("audit: opening sqlite index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_rows (
			request_id  TEXT PRIMARY KEY,
			method      TEXT NOT NULL,
			path        TEXT NOT NULL,
			from_ip     TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			duration    INTEGER NOT NULL,
			timestamp   INTEGER NOT NULL,
			hash        TEXT NOT NULL,
			prev_hash   TEXT NOT NULL
		)
	`); err != nil {
		file.Close()
		db.Close()
		return nil, fmt.Errorf("audit: creating index schema: %w", err)
	}

	var lastHash string
	_ = db.QueryRow(`SELECT hash FROM audit_rows ORDER BY rowid DESC LIMIT 1`).Scan(&lastHash)

	return &Logger{file: file, key: key, prevHash: lastHash, db: db}, nil
}

func computeRowHash(key []byte, prevHash string, r Record) string {
	if len(key) == 0 {
		return ""
	}
	msg := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%d|%d",
		prevHash, r.RequestID, r.Timestamp, r.Method, r.Path, r.FromIP, r.StatusCode, r.Duration)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Append writes one audit record. Failures are swallowed by the caller
// per §4.8/§7 (the audit log must never block the response path) —
// this method itself returns the error so callers can choose to log it
// without propagating a failure to the client.
func (l *Logger) Append(r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.Hash = computeRowHash(l.key, l.prevHash, r)
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return err
	}

	prevHash := l.prevHash
	l.prevHash = r.Hash

	_, dbErr := l.db.Exec(`
		INSERT OR REPLACE INTO audit_rows
			(request_id, method, path, from_ip, status_code, duration, timestamp, hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Method, r.Path, r.FromIP, r.StatusCode, r.Duration, r.Timestamp, r.Hash, prevHash)
	return dbErr
}

// VerifyResult reports the outcome of walking the hash chain.
type VerifyResult struct {
	OK          bool   `json:"ok"`
	RowsChecked int    `json:"rowsChecked"`
	BrokenAt    string `json:"brokenAt,omitempty"` // requestId of first broken link
}

// Verify walks the SQLite index in insertion order and recomputes each
// row's hash from its recorded prevHash, reporting the first mismatch.
func (l *Logger) Verify() (VerifyResult, error) {
	rows, err := l.db.Query(`
		SELECT request_id, method, path, from_ip, status_code, duration, timestamp, hash, prev_hash
		FROM audit_rows ORDER BY rowid ASC`)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()

	checked := 0
	for rows.Next() {
		var r Record
		var prevHash, storedHash string
		if err := rows.Scan(&r.RequestID, &r.Method, &r.Path, &r.FromIP, &r.StatusCode, &r.Duration, &r.Timestamp, &storedHash, &prevHash); err != nil {
			return VerifyResult{}, err
		}
		checked++
		recomputed := computeRowHash(l.key, prevHash, r)
		if recomputed != storedHash {
			return VerifyResult{OK: false, RowsChecked: checked, BrokenAt: r.RequestID}, nil
		}
	}
	return VerifyResult{OK: true, RowsChecked: checked}, nil
}

// Close releases the file handle and SQLite connection.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	dbErr := l.db.Close()
	fileErr := l.file.Close()
	if fileErr != nil {
		return fileErr
	}
	return dbErr
}
