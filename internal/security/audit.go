package security

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forgecore/internal/common"
	"forgecore/internal/transport"
	"forgecore/pkg/errors"

	"github.com/google/uuid"
)

// Audit event types
const (
	EventTypePush = "push"
)

// AuditEvent is one line of the audit log. Events are hash chained: Hash
// covers the event including PrevHash, so removing or editing a line breaks
// every later hash.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	User      string                 `json:"user"`
	Resource  string                 `json:"resource"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Hostname  string                 `json:"hostname"`
	PrevHash  string                 `json:"prev_hash,omitempty"`
	Hash      string                 `json:"hash"`
}

// AuditLog appends events to a JSON lines file
type AuditLog struct {
	mu       sync.Mutex
	path     string
	hostname string
	lastHash string
	now      func() time.Time
}

var _ transport.PushHandler = (*AuditLog)(nil)

// OpenAuditLog opens or creates the log at path and resumes its hash chain
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), common.DirPermissionSecure); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create audit directory")
	}
	events, err := ReadAuditLog(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	hostname, _ := os.Hostname()
	al := &AuditLog{path: path, hostname: hostname, now: time.Now}
	if len(events) > 0 {
		al.lastHash = events[len(events)-1].Hash
	}
	return al, nil
}

// OnPush records a successful push with its ref updates
func (al *AuditLog) OnPush(ctx context.Context, event transport.PushEvent) error {
	refs := make([]string, 0, len(event.Refs))
	for _, ref := range event.Refs {
		refs = append(refs, fmt.Sprintf("%s %s..%s", ref.Ref, short(ref.OldSHA), short(ref.NewSHA)))
	}
	return al.Record(EventTypePush, event.UserID, event.RepoPath, map[string]interface{}{"refs": refs})
}

// Record appends one event
func (al *AuditLog) Record(eventType, user, resource string, details map[string]interface{}) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	event := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: al.now().UTC(),
		EventType: eventType,
		User:      user,
		Resource:  resource,
		Details:   details,
		Hostname:  al.hostname,
		PrevHash:  al.lastHash,
	}
	event.Hash = hashEvent(event)

	f, err := os.OpenFile(al.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, common.FilePermissionSecure) // #nosec G304 - configured path
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to open audit log")
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(event); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit event")
	}
	al.lastHash = event.Hash
	return nil
}

// ReadAuditLog loads every event from path
func ReadAuditLog(path string) ([]AuditEvent, error) {
	f, err := os.Open(path) // #nosec G304 - configured path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "corrupt audit log line").
				WithContext("line", len(events)+1)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// VerifyAuditChain returns the index of the first event whose hash or link
// does not verify, or -1 when the chain is intact
func VerifyAuditChain(events []AuditEvent) int {
	prev := ""
	for i, e := range events {
		if e.PrevHash != prev || hashEvent(e) != e.Hash {
			return i
		}
		prev = e.Hash
	}
	return -1
}

func hashEvent(event AuditEvent) string {
	event.Hash = ""
	data, _ := json.Marshal(event)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
