package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forgecore/internal/observability"
	"forgecore/pkg/errors"

	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// TestHelperProcess stands in for git upload-pack / receive-pack. It reports
// what it was started with on stdout and exits with FORGECORE_HELPER_EXIT.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FORGECORE_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	op, dir := args[len(args)-2], args[len(args)-1]
	data, _ := io.ReadAll(os.Stdin)

	fmt.Fprintf(os.Stdout, "%s %s %d %s", op, filepath.Base(dir), len(data), os.Getenv("GIT_PROTOCOL"))
	fmt.Fprint(os.Stderr, "remote: done")

	code, _ := strconv.Atoi(os.Getenv("FORGECORE_HELPER_EXIT"))
	os.Exit(code)
}

type keyAuth map[string]Identity

func (k keyAuth) Authenticate(ctx context.Context, username string, key ssh.PublicKey) (Identity, error) {
	id, ok := k[ssh.FingerprintSHA256(key)]
	if !ok {
		return Identity{}, fmt.Errorf("unknown key")
	}
	return id, nil
}

type authorizeFunc func(ctx context.Context, userID, repoPath string, op Op) (bool, error)

func (f authorizeFunc) AuthorizeRepo(ctx context.Context, userID, repoPath string, op Op) (bool, error) {
	return f(ctx, userID, repoPath, op)
}

type dirLocator struct {
	root  string
	calls atomic.Int32
}

func (d *dirLocator) Locate(ctx context.Context, repoPath string) (string, error) {
	d.calls.Add(1)
	abs := filepath.Join(d.root, filepath.FromSlash(repoPath))
	if _, err := os.Stat(abs); err != nil {
		return "", errors.RepositoryNotFound(repoPath)
	}
	return abs, nil
}

type harness struct {
	t        *testing.T
	srv      *Server
	addr     string
	hostKey  ssh.Signer
	locator  *dirLocator
	spawned  atomic.Int32
	exitCode atomic.Int32
	allow    atomic.Bool

	mu     sync.Mutex
	pushes []PushEvent
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func newHarness(t *testing.T, users map[ssh.Signer]Identity) *harness {
	t.Helper()

	hostKey, err := GenerateHostKey()
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "team", "app.git"), 0o755))

	h := &harness{t: t, hostKey: hostKey, locator: &dirLocator{root: root}}
	h.allow.Store(true)

	auth := keyAuth{}
	for signer, id := range users {
		auth[ssh.FingerprintSHA256(signer.PublicKey())] = id
	}

	srv, err := NewServer(Config{
		HostKeys:      []ssh.Signer{hostKey},
		Authenticator: auth,
		Authorizer: authorizeFunc(func(ctx context.Context, userID, repoPath string, op Op) (bool, error) {
			return h.allow.Load(), nil
		}),
		Repos:   h.locator,
		Command: h.command,
		PushHandler: PushHandlerFunc(func(ctx context.Context, event PushEvent) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.pushes = append(h.pushes, event)
			return nil
		}),
		LoginGrace: 5 * time.Second,
		Logger:     observability.NewNopLogger(),
		Metrics:    observability.NewNopMetrics(),
	})
	require.NoError(t, err)
	h.srv = srv

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.addr = l.Addr().String()

	go func() { _ = srv.Serve(context.Background(), l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return h
}

func (h *harness) command(ctx context.Context, op Op, dir string, env []string) *exec.Cmd {
	h.spawned.Add(1)
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess", "--", op.Subcommand(), dir)
	cmd.Env = append(os.Environ(),
		"FORGECORE_HELPER_PROCESS=1",
		fmt.Sprintf("FORGECORE_HELPER_EXIT=%d", h.exitCode.Load()),
	)
	cmd.Env = append(cmd.Env, env...)
	return cmd
}

func (h *harness) dial(signer ssh.Signer) (*ssh.Client, error) {
	return ssh.Dial("tcp", h.addr, &ssh.ClientConfig{
		User:            "git",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.FixedHostKey(h.hostKey.PublicKey()),
		Timeout:         5 * time.Second,
	})
}

type runResult struct {
	code   int
	stdout string
	stderr string
}

func (h *harness) run(client *ssh.Client, command string, stdin []byte, env map[string]string) runResult {
	h.t.Helper()
	sess, err := client.NewSession()
	require.NoError(h.t, err)
	defer sess.Close()

	for k, v := range env {
		_ = sess.Setenv(k, v)
	}

	var stdout, stderr bytes.Buffer
	sess.Stdin = bytes.NewReader(stdin)
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	res := runResult{}
	if err := sess.Run(command); err != nil {
		exitErr, ok := err.(*ssh.ExitError)
		require.True(h.t, ok, "unexpected error: %v", err)
		res.code = exitErr.ExitStatus()
	}
	res.stdout = stdout.String()
	res.stderr = stderr.String()
	return res
}

// closeAndPushes waits for every connection handler, including push dispatch
func (h *harness) closeAndPushes() []PushEvent {
	_ = h.srv.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PushEvent(nil), h.pushes...)
}

func pushStream(t *testing.T, refs ...RefUpdate) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := pktline.NewEncoder(&buf)
	for i, r := range refs {
		line := fmt.Sprintf("%s %s %s", r.OldSHA, r.NewSHA, r.Ref)
		if i == 0 {
			line += "\x00report-status side-band-64k"
		}
		require.NoError(t, enc.EncodeString(line+"\n"))
	}
	require.NoError(t, enc.Flush())
	buf.WriteString("PACK\x00\x00\x00\x02 pack bytes follow")
	return buf.Bytes()
}

func TestUploadPackReadOnlyUser(t *testing.T) {
	reader := newSigner(t)
	h := newHarness(t, map[ssh.Signer]Identity{reader: {UserID: "reader", CanRead: true}})

	client, err := h.dial(reader)
	require.NoError(t, err)
	defer client.Close()

	res := h.run(client, "git-upload-pack '/team/app'", nil, map[string]string{"GIT_PROTOCOL": "version=2"})
	assert.Equal(t, 0, res.code)
	assert.Equal(t, "upload-pack app.git 0 version=2", res.stdout)
	assert.Equal(t, "remote: done", res.stderr)
	assert.Equal(t, int32(1), h.spawned.Load())

	// The connection stays usable for further channels.
	res = h.run(client, "git-receive-pack 'team/app.git'", pushStream(t, RefUpdate{zeroSHA, strings.Repeat("a", 40), "refs/heads/main"}), nil)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "ERROR: access denied to team/app.git")
	assert.Equal(t, int32(1), h.spawned.Load(), "receive-pack must not spawn without write access")

	assert.Empty(t, h.closeAndPushes())
}

func TestExecRejections(t *testing.T) {
	writer := newSigner(t)

	tests := []struct {
		name       string
		command    string
		deny       bool
		wantStderr string
		wantLocate bool
	}{
		{name: "malformed", command: "ls -la /", wantStderr: "ERROR: unsupported command"},
		{name: "unquoted path", command: "git-upload-pack team/app", wantStderr: "ERROR: unsupported command"},
		{name: "traversal", command: "git-upload-pack '../../etc'", wantStderr: "ERROR: invalid repository path"},
		{name: "authorizer denies", command: "git-receive-pack 'team/app'", deny: true, wantStderr: "ERROR: access denied to team/app.git"},
		{name: "missing repository", command: "git-upload-pack 'team/other'", wantStderr: "ERROR: repository not found: team/other.git", wantLocate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[ssh.Signer]Identity{writer: {UserID: "writer", CanRead: true, CanWrite: true}})
			h.allow.Store(!tt.deny)

			client, err := h.dial(writer)
			require.NoError(t, err)
			defer client.Close()

			res := h.run(client, tt.command, nil, nil)
			assert.NotEqual(t, 0, res.code)
			assert.Contains(t, res.stderr, tt.wantStderr)
			assert.Equal(t, int32(0), h.spawned.Load())
			if tt.wantLocate {
				assert.Equal(t, int32(1), h.locator.calls.Load())
			} else {
				assert.Equal(t, int32(0), h.locator.calls.Load())
			}
		})
	}
}

func TestPushCallback(t *testing.T) {
	writer := newSigner(t)
	newSHA := strings.Repeat("b", 40)

	t.Run("fires after successful push", func(t *testing.T) {
		h := newHarness(t, map[ssh.Signer]Identity{writer: {UserID: "writer", CanRead: true, CanWrite: true}})
		client, err := h.dial(writer)
		require.NoError(t, err)
		defer client.Close()

		stream := pushStream(t,
			RefUpdate{zeroSHA, newSHA, "refs/heads/feature"},
			RefUpdate{strings.Repeat("c", 40), zeroSHA, "refs/heads/old"},
		)
		res := h.run(client, "git-receive-pack 'team/app'", stream, nil)
		require.Equal(t, 0, res.code)
		assert.Equal(t, fmt.Sprintf("receive-pack app.git %d ", len(stream)), res.stdout)

		pushes := h.closeAndPushes()
		require.Len(t, pushes, 1)
		assert.Equal(t, "writer", pushes[0].UserID)
		assert.Equal(t, "team/app.git", pushes[0].RepoPath)
		require.Len(t, pushes[0].Refs, 2)
		assert.Equal(t, "refs/heads/feature", pushes[0].Refs[0].Ref)
		assert.True(t, pushes[0].Refs[0].IsCreate())
		assert.True(t, pushes[0].Refs[1].IsDelete())
	})

	t.Run("skipped on non-zero exit", func(t *testing.T) {
		h := newHarness(t, map[ssh.Signer]Identity{writer: {UserID: "writer", CanRead: true, CanWrite: true}})
		h.exitCode.Store(3)
		client, err := h.dial(writer)
		require.NoError(t, err)
		defer client.Close()

		res := h.run(client, "git-receive-pack 'team/app'", pushStream(t, RefUpdate{zeroSHA, newSHA, "refs/heads/feature"}), nil)
		assert.Equal(t, 3, res.code)
		assert.Empty(t, h.closeAndPushes())
	})

	t.Run("skipped without ref updates", func(t *testing.T) {
		h := newHarness(t, map[ssh.Signer]Identity{writer: {UserID: "writer", CanRead: true, CanWrite: true}})
		client, err := h.dial(writer)
		require.NoError(t, err)
		defer client.Close()

		res := h.run(client, "git-receive-pack 'team/app'", pushStream(t), nil)
		assert.Equal(t, 0, res.code)
		assert.Empty(t, h.closeAndPushes())
	})
}

func TestShellRefused(t *testing.T) {
	user := newSigner(t)
	h := newHarness(t, map[ssh.Signer]Identity{user: {UserID: "u", CanRead: true}})

	client, err := h.dial(user)
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()

	assert.Error(t, sess.RequestPty("xterm", 80, 40, ssh.TerminalModes{}))
	assert.Error(t, sess.RequestSubsystem("sftp"))
	assert.Error(t, sess.Shell())
	assert.Equal(t, int32(0), h.spawned.Load())
}

func TestAuthentication(t *testing.T) {
	known := newSigner(t)
	h := newHarness(t, map[ssh.Signer]Identity{known: {UserID: "known", CanRead: true}})

	_, err := h.dial(newSigner(t))
	assert.Error(t, err, "unknown keys are rejected at connection level")

	_, err = ssh.Dial("tcp", h.addr, &ssh.ClientConfig{
		User:            "git",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.FixedHostKey(h.hostKey.PublicKey()),
		Timeout:         5 * time.Second,
	})
	assert.Error(t, err, "password authentication is never offered")

	client, err := h.dial(known)
	require.NoError(t, err)
	_ = client.Close()
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	hostKey, err := GenerateHostKey()
	require.NoError(t, err)
	_, err = NewServer(Config{HostKeys: []ssh.Signer{hostKey}})
	assert.Error(t, err)
}

func TestServeAfterClose(t *testing.T) {
	user := newSigner(t)
	h := newHarness(t, map[ssh.Signer]Identity{user: {UserID: "u", CanRead: true}})
	require.NoError(t, h.srv.Close())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, h.srv.Serve(context.Background(), l), ErrServerClosed)
}
