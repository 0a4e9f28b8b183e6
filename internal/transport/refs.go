package transport

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// RefUpdate is one "<old> <new> <ref>" command from a receive-pack request
type RefUpdate struct {
	OldSHA string
	NewSHA string
	Ref    string
}

// IsCreate reports whether the ref did not exist before the push
func (r RefUpdate) IsCreate() bool {
	return strings.Trim(r.OldSHA, "0") == ""
}

// IsDelete reports whether the push removes the ref
func (r RefUpdate) IsDelete() bool {
	return strings.Trim(r.NewSHA, "0") == ""
}

// Branch returns the short branch name for refs/heads/ refs
func (r RefUpdate) Branch() (string, bool) {
	if !strings.HasPrefix(r.Ref, "refs/heads/") {
		return "", false
	}
	return strings.TrimPrefix(r.Ref, "refs/heads/"), true
}

// refRecorder observes the client to receive-pack stream and collects the
// ref update commands that precede the first flush-pkt. It is used as the
// writer side of an io.TeeReader, so Write never fails and never blocks the
// stream once the command list is over.
type refRecorder struct {
	pw   *io.PipeWriter
	done chan struct{}

	mu   sync.Mutex
	refs []RefUpdate
}

func newRefRecorder() *refRecorder {
	pr, pw := io.Pipe()
	r := &refRecorder{pw: pw, done: make(chan struct{})}
	go r.scan(pr)
	return r
}

func (r *refRecorder) scan(pr *io.PipeReader) {
	defer close(r.done)
	// Stop consuming at the flush; later writes fail fast and are ignored.
	defer pr.Close()

	scanner := pktline.NewScanner(pr)
	for scanner.Scan() {
		payload := scanner.Bytes()
		if len(payload) == 0 {
			return
		}
		if update, ok := parseRefLine(payload); ok {
			r.mu.Lock()
			r.refs = append(r.refs, update)
			r.mu.Unlock()
		}
	}
}

// Write feeds p to the scanner; errors after the command list are swallowed
func (r *refRecorder) Write(p []byte) (int, error) {
	_, _ = r.pw.Write(p)
	return len(p), nil
}

// Close ends the stream and returns the ref updates seen
func (r *refRecorder) Close() []RefUpdate {
	_ = r.pw.Close()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RefUpdate(nil), r.refs...)
}

// parseRefLine parses "<old> <new> <ref>[\x00caps]\n", skipping shallow and
// push-cert framing lines
func parseRefLine(payload []byte) (RefUpdate, bool) {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	line := strings.TrimRight(string(payload), "\n")
	if strings.HasPrefix(line, "shallow ") || strings.HasPrefix(line, "push-cert") {
		return RefUpdate{}, false
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || !isObjectID(fields[0]) || !isObjectID(fields[1]) {
		return RefUpdate{}, false
	}
	return RefUpdate{OldSHA: fields[0], NewSHA: fields[1], Ref: fields[2]}, true
}

// isObjectID accepts SHA-1 and SHA-256 hex object names
func isObjectID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
