package git

import (
	"context"
	stderrors "errors"
	"io"
	"maps"

	"forgecore/pkg/errors"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// mirrorRemote is never persisted in the repository config
const mirrorRemote = "forgecore-mirror"

var mirrorRefSpecs = []config.RefSpec{
	"+refs/heads/*:refs/heads/*",
	"+refs/tags/*:refs/tags/*",
}

// FetchOptions controls a mirror fetch
type FetchOptions struct {
	Auth transport.AuthMethod
	// Prune deletes local branches and tags the remote no longer has
	Prune bool
	// Progress receives the remote's sideband messages
	Progress io.Writer
}

// FetchMirror force-updates every branch and tag of the bare repository at
// dir from url. It reports whether any ref changed.
func FetchMirror(ctx context.Context, dir, url string, opts FetchOptions) (bool, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeRepoNotFound, "failed to open repository").
			WithContext("dir", dir)
	}

	before, err := mirrorRefs(repo)
	if err != nil {
		return false, err
	}

	remote := git.NewRemote(repo.Storer, &config.RemoteConfig{
		Name: mirrorRemote,
		URLs: []string{url},
	})
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RemoteName: mirrorRemote,
		RefSpecs:   mirrorRefSpecs,
		Auth:       opts.Auth,
		Progress:   opts.Progress,
		Tags:       git.NoTags,
		Force:      true,
		Prune:      opts.Prune,
	})

	switch {
	case err == nil:
	case stderrors.Is(err, git.NoErrAlreadyUpToDate), stderrors.Is(err, transport.ErrEmptyRemoteRepository):
		return false, nil
	default:
		return false, errors.Wrap(err, errors.ErrCodeMirrorSyncFailed, "fetch failed").
			WithContext("url", RedactURL(url)).
			AsRecoverable()
	}

	// a pruning fetch returns nil even when nothing moved
	after, err := mirrorRefs(repo)
	if err != nil {
		return false, err
	}
	return !maps.Equal(before, after), nil
}

// mirrorRefs snapshots the branch and tag hashes of repo
func mirrorRefs(repo *git.Repository) (map[plumbing.ReferenceName]plumbing.Hash, error) {
	iter, err := repo.References()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGit, "failed to list references")
	}
	defer iter.Close()

	refs := make(map[plumbing.ReferenceName]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && (ref.Name().IsBranch() || ref.Name().IsTag()) {
			refs[ref.Name()] = ref.Hash()
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGit, "failed to list references")
	}
	return refs, nil
}
