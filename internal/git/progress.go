package git

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ProgressWriter renders git sideband progress on a terminal line. It is
// passed as FetchOptions.Progress by the CLI.
type ProgressWriter struct {
	out       io.Writer
	operation string

	mu         sync.Mutex
	lastUpdate time.Time
	lastLine   string
	bytes      int64
}

// NewProgressWriter announces operation on out
func NewProgressWriter(out io.Writer, operation string) *ProgressWriter {
	fmt.Fprintf(out, "%s...\n", operation)
	return &ProgressWriter{out: out, operation: operation}
}

// Write implements io.Writer
func (pw *ProgressWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.bytes += int64(len(p))
	// git separates in-place updates with \r
	for _, line := range strings.FieldsFunc(string(p), func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		now := time.Now()
		if now.Sub(pw.lastUpdate) < 100*time.Millisecond && !strings.Contains(line, "done") {
			continue
		}
		fmt.Fprintf(pw.out, "\r%-80s\r  %s", "", strings.TrimSpace(strings.TrimPrefix(line, "remote:")))
		pw.lastUpdate = now
		pw.lastLine = line
	}
	return len(p), nil
}

// Complete ends the progress line
func (pw *ProgressWriter) Complete(err error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	fmt.Fprintf(pw.out, "\r%-80s\r", "")
	if err != nil {
		fmt.Fprintf(pw.out, "✗ %s failed\n", pw.operation)
		return
	}
	fmt.Fprintf(pw.out, "✓ %s completed\n", pw.operation)
}
