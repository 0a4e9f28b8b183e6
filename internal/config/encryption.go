package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"forgecore/pkg/models"
)

// Secrets in the config file may be stored as ENC[base64(nonce|ciphertext)],
// sealed with AES-256-GCM under FORGECORE_ENCRYPTION_KEY.
const (
	encryptedPrefix = "ENC["
	encryptedSuffix = "]"
)

func getEncryptionKey() []byte {
	if key := os.Getenv("FORGECORE_ENCRYPTION_KEY"); key != "" {
		hash := sha256.Sum256([]byte(key))
		return hash[:]
	}

	// Machine bound fallback; files encrypted with it do not move between hosts.
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-forgecore", hostname, homeDir)))
	return hash[:]
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(getEncryptionKey())
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptPassword seals password; already encrypted values pass through
func EncryptPassword(password string) (string, error) {
	if password == "" || IsEncrypted(password) {
		return password, nil
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(password), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed) + encryptedSuffix, nil
}

// DecryptPassword opens a value produced by EncryptPassword; plain values pass through
func DecryptPassword(encrypted string) (string, error) {
	if !IsEncrypted(encrypted) {
		return encrypted, nil
	}

	encoded := strings.TrimSuffix(strings.TrimPrefix(encrypted, encryptedPrefix), encryptedSuffix)
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted value: %w", err)
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt value: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a string is encrypted
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix) && strings.HasSuffix(value, encryptedSuffix)
}

// EncryptConfigPasswords encrypts every secret field of cfg in place
func EncryptConfigPasswords(cfg *models.Config) error {
	for _, f := range secretFields(cfg) {
		if *f.value == "" || IsEncrypted(*f.value) || IsCredentialRef(*f.value) {
			continue
		}
		encrypted, err := EncryptPassword(*f.value)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", f.name, err)
		}
		*f.value = encrypted
	}
	return nil
}

// DecryptConfigPasswords decrypts every ENC[...] secret of cfg in place
func DecryptConfigPasswords(cfg *models.Config) error {
	for _, f := range secretFields(cfg) {
		if !IsEncrypted(*f.value) {
			continue
		}
		decrypted, err := DecryptPassword(*f.value)
		if err != nil {
			return fmt.Errorf("failed to decrypt %s: %w", f.name, err)
		}
		*f.value = decrypted
	}
	return nil
}

// CredentialPrefix marks a value that names a keyring entry instead of holding the secret
const CredentialPrefix = "@credential:"

// IsCredentialRef reports whether value is a keyring reference
func IsCredentialRef(value string) bool {
	return strings.HasPrefix(value, CredentialPrefix)
}

// SecretResolver looks up a named credential
type SecretResolver interface {
	Lookup(name string) (string, error)
}

// ResolveCredentials replaces every @credential:<name> reference with the
// value from r
func ResolveCredentials(cfg *models.Config, r SecretResolver) error {
	for _, f := range secretFields(cfg) {
		if !IsCredentialRef(*f.value) {
			continue
		}
		name := strings.TrimPrefix(*f.value, CredentialPrefix)
		value, err := r.Lookup(name)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", f.name, err)
		}
		*f.value = value
	}
	return nil
}

type secretField struct {
	name  string
	value *string
}

func secretFields(cfg *models.Config) []secretField {
	fields := []secretField{
		{name: "lock.redis.password", value: &cfg.Lock.Redis.Password},
		{name: "lock.sql.dsn", value: &cfg.Lock.SQL.DSN},
		{name: "stacks.sql.dsn", value: &cfg.Stacks.SQL.DSN},
	}
	for i := range cfg.Mirrors {
		fields = append(fields, secretField{
			name:  fmt.Sprintf("mirrors[%d].auth.password", i),
			value: &cfg.Mirrors[i].Auth.Password,
		})
	}
	return fields
}
