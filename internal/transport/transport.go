// Package transport serves the Git smart protocol over SSH.
//
// Every connection authenticates with a public key only. Each session channel
// accepts a single exec request of the form
//
//	git-upload-pack '<repo>'
//	git-receive-pack '<repo>'
//
// which is checked against the connection's capabilities and the Authorizer,
// resolved strictly inside the repository root and then handed to a git
// subprocess whose streams are piped to the channel. Successful pushes are
// reported to a PushHandler after the subprocess has exited.
package transport

import (
	"context"
	"errors"

	"golang.org/x/crypto/ssh"
)

// Identity is what an Authenticator knows about the owner of a public key
type Identity struct {
	UserID   string
	CanRead  bool
	CanWrite bool
}

// Authenticator maps an offered public key to an identity. It is called once
// per offered key; an error rejects that key.
type Authenticator interface {
	Authenticate(ctx context.Context, username string, key ssh.PublicKey) (Identity, error)
}

// Authorizer decides whether userID may run op against the normalized repository path
type Authorizer interface {
	AuthorizeRepo(ctx context.Context, userID, repoPath string, op Op) (bool, error)
}

// RepoLocator maps a normalized repository path onto an existing on-disk repository
type RepoLocator interface {
	Locate(ctx context.Context, repoPath string) (string, error)
}

// PushEvent describes a receive-pack that exited successfully with at least one ref update
type PushEvent struct {
	UserID   string
	RepoPath string
	Refs     []RefUpdate
}

// PushHandler is notified after a successful push. Errors are logged and never
// undo the push.
type PushHandler interface {
	OnPush(ctx context.Context, event PushEvent) error
}

// PushHandlerFunc adapts a function to PushHandler
type PushHandlerFunc func(ctx context.Context, event PushEvent) error

// OnPush calls f
func (f PushHandlerFunc) OnPush(ctx context.Context, event PushEvent) error {
	return f(ctx, event)
}

// PushHandlers fans one event out to every handler in order and joins their errors
type PushHandlers []PushHandler

// OnPush runs each handler even when an earlier one fails
func (hs PushHandlers) OnPush(ctx context.Context, event PushEvent) error {
	var errs []error
	for _, h := range hs {
		if h == nil {
			continue
		}
		if err := h.OnPush(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
