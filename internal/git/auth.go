package git

import (
	"os"
	"strings"

	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// SecretLookup finds named secrets. security.CredentialStore implements it.
type SecretLookup interface {
	Lookup(name string) (string, error)
}

// AuthResolver picks the go-git auth method for a remote
type AuthResolver struct {
	secrets SecretLookup
}

// NewAuthResolver creates a resolver; secrets may be nil
func NewAuthResolver(secrets SecretLookup) *AuthResolver {
	return &AuthResolver{secrets: secrets}
}

// Resolve returns the auth for remote url of the mirror called name.
// Local paths need none. SSH remotes use the configured key, then the SSH
// agent. HTTPS remotes use the configured password, then the secret stored
// under the mirror name, then host token environment variables, and fall
// back to anonymous access.
func (a *AuthResolver) Resolve(name, url string, cfg models.MirrorAuth) (transport.AuthMethod, error) {
	switch {
	case IsSSHURL(url):
		return a.sshAuth(name, cfg)
	case IsHTTPSURL(url):
		return a.httpAuth(name, url, cfg), nil
	default:
		return nil, nil
	}
}

func (a *AuthResolver) sshAuth(name string, cfg models.MirrorAuth) (transport.AuthMethod, error) {
	user := cfg.Username
	if user == "" {
		user = "git"
	}

	if cfg.SSHKeyPath != "" {
		passphrase := a.lookup(name + "-ssh-passphrase")
		auth, err := ssh.NewPublicKeysFromFile(user, cfg.SSHKeyPath, passphrase)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeMirrorSyncFailed, "failed to load mirror SSH key").
				WithContext("mirror", name).
				WithContext("path", cfg.SSHKeyPath)
		}
		return auth, nil
	}

	auth, err := ssh.NewSSHAgentAuth(user)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeMirrorSyncFailed, "no SSH authentication available").
			WithContext("mirror", name).
			WithSuggestions(
				"Set auth.ssh_key_path for the mirror",
				"Or run the server with SSH_AUTH_SOCK pointing at an agent holding the key",
			)
	}
	return auth, nil
}

func (a *AuthResolver) httpAuth(name, url string, cfg models.MirrorAuth) transport.AuthMethod {
	user := cfg.Username
	if user == "" {
		user = "token"
	}

	password := cfg.Password
	if password == "" {
		password = a.lookup(name)
	}
	if password == "" {
		password = tokenFromEnv(extractHost(url))
	}
	if password == "" {
		return nil
	}
	return &http.BasicAuth{Username: user, Password: password}
}

func (a *AuthResolver) lookup(name string) string {
	if a.secrets == nil {
		return ""
	}
	v, err := a.secrets.Lookup(name)
	if err != nil {
		return ""
	}
	return v
}

// tokenFromEnv checks <HOST>_TOKEN and the forge specific variables
func tokenFromEnv(host string) string {
	hostVar := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(host)) + "_TOKEN"
	if token := os.Getenv(hostVar); token != "" {
		return token
	}
	switch {
	case strings.Contains(host, "github"):
		return os.Getenv("GITHUB_TOKEN")
	case strings.Contains(host, "gitlab"):
		return os.Getenv("GITLAB_TOKEN")
	case strings.Contains(host, "bitbucket"):
		return os.Getenv("BITBUCKET_TOKEN")
	default:
		return os.Getenv("GIT_TOKEN")
	}
}
