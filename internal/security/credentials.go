package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"forgecore/internal/common"
	"forgecore/pkg/errors"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Keyring service name
	keyringService = "forgecore"
	// SecretEnvPrefix + NAME overrides any stored credential
	SecretEnvPrefix = "FORGECORE_SECRET_"

	saltSize         = 32
	pbkdf2Iterations = 100000
	keySize          = 32
)

var credentialNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// CredentialStore keeps named secrets (lock store passwords, mirror tokens) in
// the system keyring, or in AES-GCM encrypted files under dir when no keyring
// is available. Values set in FORGECORE_SECRET_<NAME> take precedence.
type CredentialStore struct {
	useKeyring bool
	dir        string
	masterKey  []byte
}

// CredentialOption configures a CredentialStore
type CredentialOption func(*CredentialStore)

// WithKeyring forces the keyring backend on or off
func WithKeyring(enabled bool) CredentialOption {
	return func(cs *CredentialStore) { cs.useKeyring = enabled }
}

type credentialFile struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewCredentialStore creates a store. dir holds the encrypted files and the
// master key when the keyring is not used.
func NewCredentialStore(dir string, opts ...CredentialOption) (*CredentialStore, error) {
	cs := &CredentialStore{
		useKeyring: isKeyringAvailable(),
		dir:        dir,
	}
	for _, opt := range opts {
		opt(cs)
	}

	if !cs.useKeyring {
		key, err := cs.loadMasterKey()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to initialize credential master key")
		}
		cs.masterKey = key
	}
	return cs, nil
}

// UsesKeyring reports which backend is active
func (cs *CredentialStore) UsesKeyring() bool {
	return cs.useKeyring
}

// Lookup returns the secret stored under name
func (cs *CredentialStore) Lookup(name string) (string, error) {
	if err := validateCredentialName(name); err != nil {
		return "", err
	}
	if v, ok := os.LookupEnv(EnvName(name)); ok {
		return v, nil
	}

	if cs.useKeyring {
		v, err := keyring.Get(keyringService, name)
		if err != nil {
			return "", credentialMissing(name, err)
		}
		return v, nil
	}

	data, err := os.ReadFile(cs.credentialPath(name)) // #nosec G304 - name is validated
	if err != nil {
		return "", credentialMissing(name, err)
	}
	var cf credentialFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "corrupt credential file").WithContext("credential", name)
	}
	v, err := cs.decrypt(cf.Value)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to decrypt credential").WithContext("credential", name)
	}
	return v, nil
}

// Store saves value under name
func (cs *CredentialStore) Store(name, value string) error {
	if err := validateCredentialName(name); err != nil {
		return err
	}
	if cs.useKeyring {
		if err := keyring.Set(keyringService, name, value); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to store in keyring").WithContext("credential", name)
		}
		return nil
	}

	encrypted, err := cs.encrypt(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encrypt credential")
	}
	data, err := json.MarshalIndent(credentialFile{Name: name, Value: encrypted}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cs.dir, common.DirPermissionSecure); err != nil {
		return err
	}
	return os.WriteFile(cs.credentialPath(name), data, common.FilePermissionSecure)
}

// Delete removes name. Deleting a missing credential is not an error.
func (cs *CredentialStore) Delete(name string) error {
	if err := validateCredentialName(name); err != nil {
		return err
	}
	if cs.useKeyring {
		if err := keyring.Delete(keyringService, name); err != nil && err != keyring.ErrNotFound {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete from keyring")
		}
		return nil
	}
	if err := os.Remove(cs.credentialPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the names of file backed credentials. The keyring cannot be
// enumerated, so it yields nothing in keyring mode.
func (cs *CredentialStore) List() ([]string, error) {
	if cs.useKeyring {
		return nil, nil
	}
	entries, err := os.ReadDir(cs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".cred") {
			names = append(names, strings.TrimSuffix(entry.Name(), ".cred"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// EnvName is the environment variable overriding credential name
func EnvName(name string) string {
	var b strings.Builder
	b.WriteString(SecretEnvPrefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func validateCredentialName(name string) error {
	if !credentialNamePattern.MatchString(name) {
		return errors.New(errors.ErrCodeInvalidArg, "invalid credential name").WithContext("credential", name)
	}
	return nil
}

func credentialMissing(name string, cause error) error {
	return errors.Wrap(cause, errors.ErrCodeConfigNotFound, fmt.Sprintf("credential %q not found", name)).
		WithContext("credential", name).
		WithSuggestions(
			fmt.Sprintf("Store it with the system keyring under service %q", keyringService),
			fmt.Sprintf("Or export %s", EnvName(name)),
		)
}

func (cs *CredentialStore) credentialPath(name string) string {
	return filepath.Join(cs.dir, name+".cred")
}

func (cs *CredentialStore) encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(cs.masterKey)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (cs *CredentialStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(cs.masterKey)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// loadMasterKey reads salt+key from dir/.master, deriving a new key from
// machine data on first use
func (cs *CredentialStore) loadMasterKey() ([]byte, error) {
	keyPath := filepath.Join(cs.dir, ".master")

	data, err := os.ReadFile(keyPath) // #nosec G304 - fixed name under the credentials dir
	if err == nil {
		if len(data) != saltSize+keySize {
			return nil, fmt.Errorf("invalid master key file size")
		}
		return data[saltSize:], nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(machineID()), salt, pbkdf2Iterations, keySize, sha256.New)

	if err := os.MkdirAll(cs.dir, common.DirPermissionSecure); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, append(salt, key...), common.FilePermissionSecure); err != nil {
		return nil, err
	}
	return key, nil
}

func isKeyringAvailable() bool {
	if os.Getenv("FORGECORE_USE_KEYRING") == "false" {
		return false
	}
	switch runtime.GOOS {
	case "darwin", "windows":
		return true
	case "linux":
		return os.Getenv("DBUS_SESSION_BUS_ADDRESS") != ""
	}
	return false
}

func machineID() string {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%s-%s", hostname, user, runtime.GOOS, runtime.GOARCH)))
	return base64.StdEncoding.EncodeToString(sum[:])
}
