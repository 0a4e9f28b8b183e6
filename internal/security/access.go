// Package security holds the server's identity and secret handling: the
// access registry that authenticates SSH keys and authorizes repository
// access, the credential store and the push audit trail.
package security

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"forgecore/internal/common"
	"forgecore/internal/observability"
	"forgecore/internal/transport"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"golang.org/x/crypto/ssh"
)

// principal is a configured user
type principal struct {
	id    string
	read  bool
	write bool
	repos []string
}

// Registry authenticates public keys and authorizes repository operations
// from the access section of the configuration. It is safe for concurrent
// use and can be reloaded while the server runs.
type Registry struct {
	mu            sync.RWMutex
	byFingerprint map[string]*principal
	byID          map[string]*principal
	logger        *observability.Logger
}

var (
	_ transport.Authenticator = (*Registry)(nil)
	_ transport.Authorizer    = (*Registry)(nil)
)

// NewRegistry builds a registry from cfg
func NewRegistry(cfg models.AccessConfig, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Registry{logger: logger}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces every user atomically. On error the previous users stay active.
func (r *Registry) Reload(cfg models.AccessConfig) error {
	byFingerprint := make(map[string]*principal)
	byID := make(map[string]*principal)

	for i, u := range cfg.Users {
		field := fmt.Sprintf("access.users[%d]", i)
		if u.ID == "" {
			return errors.ConfigError("user id is required", field+".id")
		}
		if _, dup := byID[u.ID]; dup {
			return errors.ConfigError("duplicate user "+u.ID, field+".id")
		}
		for _, pattern := range u.Repos {
			if _, err := path.Match(pattern, ""); err != nil {
				return errors.ConfigError("invalid repository pattern "+pattern, field+".repos")
			}
		}

		p := &principal{id: u.ID, read: u.Read || u.Write, write: u.Write, repos: u.Repos}
		byID[u.ID] = p

		for j, line := range u.Keys {
			key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
			if err != nil {
				return errors.ConfigError(fmt.Sprintf("user %s: unparseable public key", u.ID),
					fmt.Sprintf("%s.keys[%d]", field, j))
			}
			fp := ssh.FingerprintSHA256(key)
			if owner, dup := byFingerprint[fp]; dup {
				return errors.ConfigError(fmt.Sprintf("key %s is shared by %s and %s", fp, owner.id, u.ID),
					fmt.Sprintf("%s.keys[%d]", field, j))
			}
			byFingerprint[fp] = p
		}
	}

	r.mu.Lock()
	r.byFingerprint = byFingerprint
	r.byID = byID
	r.mu.Unlock()

	r.logger.InfoWithFields("access registry loaded", map[string]interface{}{
		"users": len(byID),
		"keys":  len(byFingerprint),
	})
	return nil
}

// Authenticate maps key onto its configured user. The SSH username is
// ignored; git clients conventionally connect as "git".
func (r *Registry) Authenticate(ctx context.Context, username string, key ssh.PublicKey) (transport.Identity, error) {
	fp := ssh.FingerprintSHA256(key)

	r.mu.RLock()
	p, ok := r.byFingerprint[fp]
	r.mu.RUnlock()

	if !ok {
		return transport.Identity{}, errors.AuthenticationRejected(username, fmt.Errorf("unknown key %s", fp))
	}
	return transport.Identity{UserID: p.id, CanRead: p.read, CanWrite: p.write}, nil
}

// AuthorizeRepo allows op when the user has the matching capability and one
// of their repository patterns matches repoPath
func (r *Registry) AuthorizeRepo(ctx context.Context, userID, repoPath string, op transport.Op) (bool, error) {
	r.mu.RLock()
	p, ok := r.byID[userID]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if op.IsWrite() && !p.write {
		return false, nil
	}
	if !op.IsWrite() && !p.read {
		return false, nil
	}
	return matchRepo(p.repos, repoPath), nil
}

// Users returns the configured user ids, sorted
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// matchRepo matches repoPath ("team/app.git") against patterns, which may be
// written with or without the .git suffix
func matchRepo(patterns []string, repoPath string) bool {
	if len(patterns) == 0 {
		return true
	}
	bare := strings.TrimSuffix(repoPath, common.RepoSuffix)
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "/")
		if ok, _ := path.Match(pattern, repoPath); ok {
			return true
		}
		if ok, _ := path.Match(strings.TrimSuffix(pattern, common.RepoSuffix), bare); ok {
			return true
		}
	}
	return false
}
