// Package audit implements the append-only CSV event sink described in
// §6. It is treated as a write-only collaborator: the core never reads
// its own log back, and a log failure is reported to stderr only, never
// surfaced to a client (§9 "log write is best-effort").
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Header is the fixed column list written once at file creation.
var Header = []string{
	"TIME", "THREAD_ID", "OPERATION", "OUTCOME", "CLIENT_ID", "FILE",
	"BYTES_PROCESSED", "CURR_FILES", "CURR_BYTES", "CURR_CLIENTS",
}

// Record is one audit line. Empty string fields are legal — the zero value
// of Record serializes to an all-empty row except TIME.
type Record struct {
	ThreadID       string
	Operation      string
	Outcome        string
	ClientID       string
	File           string
	BytesProcessed string
	CurrFiles      string
	CurrBytes      string
	CurrClients    string
}

// Logger appends Records to a CSV file under a single mutex, matching the
// original's "single append under an internal mutex" contract.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// Open creates (or truncates) the log file at path and writes the header.
// A failure here is returned to the caller — startup is allowed to fail if
// the log file cannot be created; after that, writes never propagate
// errors to callers.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: write header: %w", err)
	}
	w.Flush()
	return &Logger{file: f, writer: w}, nil
}

// Write appends one record. Failures are logged to stderr and otherwise
// swallowed: a broken audit sink must never fail a client request.
func (l *Logger) Write(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		time.Now().Format(time.RFC3339Nano),
		r.ThreadID,
		r.Operation,
		r.Outcome,
		r.ClientID,
		r.File,
		r.BytesProcessed,
		r.CurrFiles,
		r.CurrBytes,
		r.CurrClients,
	}
	if err := l.writer.Write(row); err != nil {
		fmt.Fprintf(os.Stderr, "audit: write failed: %v\n", err)
		return
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "audit: flush failed: %v\n", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.file.Close()
}

// Itoa64 and Itoa are small helpers so call sites don't import strconv
// just to build a Record.
func Itoa64(n int64) string { return strconv.FormatInt(n, 10) }
func Itoa(n int) string     { return strconv.Itoa(n) }
