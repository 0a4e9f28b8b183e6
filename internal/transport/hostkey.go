package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"forgecore/internal/common"
	"forgecore/pkg/errors"

	"golang.org/x/crypto/ssh"
)

// LoadOrCreateHostKey reads a PEM encoded private key from path. When the
// file does not exist an ed25519 key is generated and written with 0600
// permissions. The bool result reports whether a new key was created.
func LoadOrCreateHostKey(path string) (ssh.Signer, bool, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from server config
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, false, errors.Wrap(err, errors.ErrCodeHostKey, "failed to parse host key").
				WithContext("path", path)
		}
		return signer, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, errors.Wrap(err, errors.ErrCodeHostKey, "failed to read host key").
			WithContext("path", path)
	}

	signer, block, err := generateHostKey()
	if err != nil {
		return nil, false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), common.DirPermissionSecure); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeHostKey, "failed to create host key directory")
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), common.FilePermissionSecure); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeHostKey, "failed to write host key").
			WithContext("path", path)
	}
	return signer, true, nil
}

// GenerateHostKey returns an in-memory ed25519 signer, used by tests and
// ephemeral servers
func GenerateHostKey() (ssh.Signer, error) {
	signer, _, err := generateHostKey()
	return signer, err
}

func generateHostKey() (ssh.Signer, *pem.Block, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeHostKey, "failed to generate host key")
	}

	block, err := ssh.MarshalPrivateKey(priv, "forgecore host key")
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeHostKey, "failed to encode host key")
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeHostKey, "failed to create signer")
	}
	return signer, block, nil
}
