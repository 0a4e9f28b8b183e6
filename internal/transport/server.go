package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"forgecore/internal/common"
	"forgecore/internal/observability"
	"forgecore/pkg/errors"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Close
var ErrServerClosed = stderrors.New("transport: server closed")

const (
	extUserID      = "user_id"
	extCanRead     = "can_read"
	extCanWrite    = "can_write"
	extFingerprint = "fingerprint"

	gitProtocolEnv = "GIT_PROTOCOL"
)

// Config wires the server's collaborators
type Config struct {
	HostKeys      []ssh.Signer
	Authenticator Authenticator
	Authorizer    Authorizer
	Repos         RepoLocator
	Command       CommandFactory
	PushHandler   PushHandler
	// LoginGrace bounds the handshake including authentication; zero disables it
	LoginGrace    time.Duration
	MaxAuthTries  int
	ServerVersion string
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// Server accepts SSH connections and runs git services on their channels
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// session is the per-connection state carried from authentication
type session struct {
	userID      string
	fingerprint string
	remote      string
	canRead     bool
	canWrite    bool
}

// NewServer validates cfg and builds the SSH server configuration
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New(errors.ErrCodeHostKey, "at least one host key is required")
	}
	if cfg.Authenticator == nil || cfg.Authorizer == nil || cfg.Repos == nil {
		return nil, errors.New(errors.ErrCodeInvalidArg, "authenticator, authorizer and repository locator are required")
	}
	if cfg.Command == nil {
		cfg.Command = GitCommand("git")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetDefaultLogger()
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "SSH-2.0-forgecore"
	}

	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.WithField("component", "ssh"),
		metrics:   cfg.Metrics,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}

	// No password or keyboard-interactive callbacks: those methods are never offered.
	s.sshConfig = &ssh.ServerConfig{
		MaxAuthTries:      cfg.MaxAuthTries,
		ServerVersion:     cfg.ServerVersion,
		PublicKeyCallback: s.authenticate,
	}
	for _, key := range cfg.HostKeys {
		s.sshConfig.AddHostKey(key)
	}
	return s, nil
}

func (s *Server) authenticate(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	fingerprint := ssh.FingerprintSHA256(key)

	id, err := s.cfg.Authenticator.Authenticate(context.Background(), meta.User(), key)
	if err != nil {
		s.metrics.AuthFailed("key_rejected")
		s.logger.InfoWithFields("public key rejected", map[string]interface{}{
			"username":    meta.User(),
			"fingerprint": fingerprint,
			"remote_addr": meta.RemoteAddr().String(),
		})
		return nil, errors.AuthenticationRejected(meta.User(), err)
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			extUserID:      id.UserID,
			extCanRead:     strconv.FormatBool(id.CanRead),
			extCanWrite:    strconv.FormatBool(id.CanWrite),
			extFingerprint: fingerprint,
		},
	}, nil
}

// ListenAndServe listens on addr and calls Serve
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is cancelled or Close is called.
// Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	s.logger.InfoWithFields("ssh server listening", map[string]interface{}{
		"addr": l.Addr().String(),
	})

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.trackConn(conn, true) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops all listeners, drops open connections and waits for their
// handlers, which kills any running git subprocess.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for l := range s.listeners {
		_ = l.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackConn(c net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[c] = struct{}{}
		return true
	}
	delete(s.conns, c)
	return true
}

func (s *Server) handleConn(ctx context.Context, nConn net.Conn) {
	s.metrics.ConnectionAccepted()
	remote := nConn.RemoteAddr().String()

	if s.cfg.LoginGrace > 0 {
		_ = nConn.SetDeadline(time.Now().Add(s.cfg.LoginGrace))
	}
	sconn, chans, reqs, err := ssh.NewServerConn(nConn, s.sshConfig)
	if err != nil {
		_ = nConn.Close()
		reason := "handshake"
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			reason = "timeout"
		}
		s.metrics.AuthFailed(reason)
		s.logger.DebugWithFields("ssh handshake failed", map[string]interface{}{
			"remote_addr": remote,
			"error":       err,
		})
		return
	}
	_ = nConn.SetDeadline(time.Time{})
	defer sconn.Close()

	sess := sessionFromPermissions(sconn.Permissions, remote)
	log := s.logger.WithFields(map[string]interface{}{
		"user_id":     sess.userID,
		"remote_addr": remote,
	})
	log.Debug("ssh connection authenticated")

	done := s.metrics.SessionOpened()
	defer done()

	ctx, cancel := context.WithCancel(ctx)
	var channels sync.WaitGroup
	defer func() {
		cancel()
		channels.Wait()
	}()

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			log.WarnWithFields("failed to accept channel", map[string]interface{}{"error": err})
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			s.handleSession(ctx, sess, ch, requests)
		}()
	}
}

func sessionFromPermissions(p *ssh.Permissions, remote string) session {
	sess := session{remote: remote}
	if p == nil {
		return sess
	}
	sess.userID = p.Extensions[extUserID]
	sess.fingerprint = p.Extensions[extFingerprint]
	sess.canRead, _ = strconv.ParseBool(p.Extensions[extCanRead])
	sess.canWrite, _ = strconv.ParseBool(p.Extensions[extCanWrite])
	return sess
}

// handleSession serves one session channel: env requests, then exactly one exec
func (s *Server) handleSession(ctx context.Context, sess session, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	var env []string
	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			ok := ssh.Unmarshal(req.Payload, &kv) == nil && kv.Name == gitProtocolEnv
			if ok {
				env = append(env, gitProtocolEnv+"="+kv.Value)
			}
			replyIfWanted(req, ok)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				replyIfWanted(req, false)
				continue
			}
			replyIfWanted(req, true)
			go discardRequests(reqs)

			code, event := s.runExec(ctx, sess, ch, payload.Command, env)
			sendExitStatus(ch, code)
			_ = ch.Close()

			if event != nil {
				s.dispatchPush(ctx, *event)
			}
			return

		case "shell":
			replyIfWanted(req, false)
			fmt.Fprintln(ch.Stderr(), "ERROR: interactive shells are not supported")
			sendExitStatus(ch, 1)
			return

		default:
			// pty-req, subsystem, x11-req, port forwarding and anything else
			replyIfWanted(req, false)
		}
	}
}

// runExec validates the command and, when allowed, runs the git service. It
// returns the exit status and, for successful pushes, the event to dispatch.
func (s *Server) runExec(ctx context.Context, sess session, ch ssh.Channel, payload string, env []string) (int, *PushEvent) {
	log := s.logger.WithFields(map[string]interface{}{
		"user_id":     sess.userID,
		"fingerprint": sess.fingerprint,
		"remote_addr": sess.remote,
	})

	reject := func(op, result string, err error) int {
		fmt.Fprintln(ch.Stderr(), errors.ClientMessage(err))
		s.metrics.GitCommand(op, result, 0)
		log.WarnWithFields("git command rejected", map[string]interface{}{
			"op":    op,
			"code":  string(errors.GetErrorCode(err)),
			"error": err,
		})
		return 1
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		return reject("invalid", observability.ResultDenied, err), nil
	}
	op := cmd.Op.Service()

	// Normalization touches no filesystem state and runs before any other check.
	repoPath, err := common.NormalizeRepoPath(cmd.Path)
	if err != nil {
		return reject(op, observability.ResultDenied, errors.InvalidRepoPath(cmd.Path, err.Error())), nil
	}

	allowed := sess.canRead
	if cmd.Op.IsWrite() {
		allowed = sess.canWrite
	}
	if !allowed {
		return reject(op, observability.ResultDenied, errors.AuthorizationDenied(sess.userID, repoPath, op)), nil
	}

	ok, err := s.cfg.Authorizer.AuthorizeRepo(ctx, sess.userID, repoPath, cmd.Op)
	if err != nil {
		return reject(op, observability.ResultFailure, errors.Wrap(err, errors.ErrCodeInternal, "authorization check failed")), nil
	}
	if !ok {
		return reject(op, observability.ResultDenied, errors.AuthorizationDenied(sess.userID, repoPath, op)), nil
	}

	dir, err := s.cfg.Repos.Locate(ctx, repoPath)
	if err != nil {
		return reject(op, observability.ResultFailure, err), nil
	}

	log = log.WithFields(map[string]interface{}{"op": op, "repo": repoPath})
	return s.spawn(ctx, sess, ch, cmd.Op, repoPath, dir, env, log)
}

func (s *Server) spawn(ctx context.Context, sess session, ch ssh.Channel, op Op, repoPath, dir string, env []string, log *observability.Logger) (int, *PushEvent) {
	start := time.Now()
	proc := s.cfg.Command(ctx, op, dir, env)

	stdin, err := proc.StdinPipe()
	if err != nil {
		return s.spawnFailed(ch, op, err, log), nil
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return s.spawnFailed(ch, op, err, log), nil
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return s.spawnFailed(ch, op, err, log), nil
	}
	if err := proc.Start(); err != nil {
		return s.spawnFailed(ch, op, err, log), nil
	}

	var recorder *refRecorder
	var in io.Reader = ch
	if op.IsWrite() {
		recorder = newRefRecorder()
		in = io.TeeReader(ch, recorder)
	}

	go func() {
		_, _ = io.Copy(stdin, in)
		_ = stdin.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(ch, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(ch.Stderr(), stderr)
		return err
	})
	copyErr := g.Wait()
	_ = ch.CloseWrite()

	code := exitCode(proc.Wait())
	elapsed := time.Since(start)

	fields := map[string]interface{}{
		"exit_code":   code,
		"duration_ms": elapsed.Milliseconds(),
	}
	if copyErr != nil {
		fields["copy_error"] = copyErr
	}

	result := observability.ResultSuccess
	if code != 0 {
		result = observability.ResultFailure
	}
	s.metrics.GitCommand(op.Service(), result, elapsed)

	if recorder == nil {
		log.InfoWithFields("git command finished", fields)
		return code, nil
	}

	refs := recorder.Close()
	fields["ref_count"] = len(refs)
	log.InfoWithFields("git command finished", fields)

	if code != 0 || len(refs) == 0 {
		return code, nil
	}
	return code, &PushEvent{UserID: sess.userID, RepoPath: repoPath, Refs: refs}
}

func (s *Server) spawnFailed(ch ssh.Channel, op Op, err error, log *observability.Logger) int {
	appErr := errors.SubprocessFailure(op.Service(), err)
	fmt.Fprintln(ch.Stderr(), errors.ClientMessage(appErr))
	s.metrics.GitCommand(op.Service(), observability.ResultFailure, 0)
	log.ErrorWithFields("failed to start git service", map[string]interface{}{"error": err})
	return 1
}

// dispatchPush runs the push handler detached from the connection so a
// client hanging up does not cancel follow-up work.
func (s *Server) dispatchPush(ctx context.Context, event PushEvent) {
	if s.cfg.PushHandler == nil {
		return
	}
	if err := s.cfg.PushHandler.OnPush(context.WithoutCancel(ctx), event); err != nil {
		s.metrics.PushCallback(observability.ResultFailure)
		s.logger.ErrorWithFields("push handler failed", map[string]interface{}{
			"user_id": event.UserID,
			"repo":    event.RepoPath,
			"refs":    len(event.Refs),
			"error":   err,
		})
		return
	}
	s.metrics.PushCallback(observability.ResultSuccess)
}

func replyIfWanted(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

func discardRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		replyIfWanted(req, false)
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	status := struct{ Status uint32 }{uint32(code)}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
}
