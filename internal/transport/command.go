package transport

import (
	"regexp"

	"forgecore/pkg/errors"
)

// Op is a git service a client may request
type Op int

const (
	OpUploadPack Op = iota
	OpReceivePack
)

// Service returns the wire name, e.g. "git-upload-pack"
func (o Op) Service() string {
	if o == OpReceivePack {
		return "git-receive-pack"
	}
	return "git-upload-pack"
}

// Subcommand returns the git subcommand that implements the service
func (o Op) Subcommand() string {
	if o == OpReceivePack {
		return "receive-pack"
	}
	return "upload-pack"
}

// IsWrite reports whether the service mutates the repository
func (o Op) IsWrite() bool {
	return o == OpReceivePack
}

func (o Op) String() string {
	return o.Service()
}

// Command is a parsed exec payload
type Command struct {
	Op   Op
	Path string
}

// Clients quote the path with single quotes; anything else is rejected
// rather than interpreted, so no shell ever sees the payload.
var commandPattern = regexp.MustCompile(`^(git-upload-pack|git-receive-pack) '([^']*)'$`)

// ParseCommand parses an exec payload. The returned path is raw and still
// needs normalization.
func ParseCommand(payload string) (Command, error) {
	m := commandPattern.FindStringSubmatch(payload)
	if m == nil {
		return Command{}, errors.MalformedCommand(payload)
	}

	op := OpUploadPack
	if m[1] == "git-receive-pack" {
		op = OpReceivePack
	}
	return Command{Op: op, Path: m[2]}, nil
}
