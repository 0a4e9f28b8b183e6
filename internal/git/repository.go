package git

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"forgecore/internal/common"
	"forgecore/internal/transport"
	"forgecore/pkg/errors"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// DefaultBranch is the branch new repositories point HEAD at
const DefaultBranch = "main"

// Locator resolves client supplied repository paths against the hosting root
type Locator struct {
	root string
}

var _ transport.RepoLocator = (*Locator)(nil)

// NewLocator creates a locator for repositories under root
func NewLocator(root string) (*Locator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid repository root")
	}
	return &Locator{root: abs}, nil
}

// Root returns the absolute repository root
func (l *Locator) Root() string {
	return l.root
}

// Path resolves repoPath to its on-disk location without checking existence
func (l *Locator) Path(repoPath string) (string, string, error) {
	normalized, abs, err := common.ResolveRepoPath(l.root, repoPath)
	if err != nil {
		return "", "", errors.InvalidRepoPath(repoPath, err.Error())
	}
	if err := common.EvalWithin(abs, l.root); err != nil {
		return "", "", errors.InvalidRepoPath(repoPath, err.Error())
	}
	return normalized, abs, nil
}

// Locate returns the directory of an existing repository. Anything that is
// not a git repository yields an error matching errors.ErrRepositoryNotFound.
func (l *Locator) Locate(ctx context.Context, repoPath string) (string, error) {
	normalized, abs, err := l.Path(repoPath)
	if err != nil {
		return "", err
	}
	if _, err := git.PlainOpen(abs); err != nil {
		return "", errors.RepositoryNotFound(normalized)
	}
	return abs, nil
}

// List walks the root and returns the normalized paths of all bare repositories
func (l *Locator) List(ctx context.Context) ([]string, error) {
	var repos []string
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() || !strings.HasSuffix(d.Name(), common.RepoSuffix) {
			return nil
		}
		if _, err := git.PlainOpen(path); err == nil {
			rel, _ := filepath.Rel(l.root, path)
			repos = append(repos, filepath.ToSlash(rel))
		}
		return filepath.SkipDir
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGit, "failed to list repositories")
	}
	sort.Strings(repos)
	return repos, nil
}

// InitOptions controls repository provisioning
type InitOptions struct {
	// Branch HEAD points at, DefaultBranch when empty
	Branch string
	// InitialCommit creates an empty root commit so the branch exists
	InitialCommit bool
	AuthorName    string
	AuthorEmail   string
}

// Init creates a bare repository at repoPath under the root and returns its
// directory
func (l *Locator) Init(ctx context.Context, repoPath string, opts InitOptions) (string, error) {
	normalized, abs, err := l.Path(repoPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err == nil {
		return "", errors.New(errors.ErrCodeRepoExists, "repository already exists").
			WithContext("repo", normalized)
	}

	branch := opts.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if err := os.MkdirAll(filepath.Dir(abs), common.DirPermissionNormal); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeGit, "failed to create repository directory")
	}

	repo, err := git.PlainInitWithOptions(abs, &git.PlainInitOptions{
		Bare: true,
		InitOptions: git.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(branch),
		},
	})
	if err != nil {
		_ = os.RemoveAll(abs)
		return "", errors.Wrap(err, errors.ErrCodeGit, "failed to initialize repository").
			WithContext("repo", normalized)
	}

	if opts.InitialCommit {
		if err := createRootCommit(repo, branch, opts); err != nil {
			_ = os.RemoveAll(abs)
			return "", err
		}
	}
	return abs, nil
}

// createRootCommit writes an empty tree and a parentless commit on branch
func createRootCommit(repo *git.Repository, branch string, opts InitOptions) error {
	storer := repo.Storer

	tree := &object.Tree{}
	treeObj := storer.NewEncodedObject()
	if err := tree.Encode(treeObj); err != nil {
		return errors.Wrap(err, errors.ErrCodeGit, "failed to encode tree")
	}
	treeHash, err := storer.SetEncodedObject(treeObj)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGit, "failed to store tree")
	}

	name, email := opts.AuthorName, opts.AuthorEmail
	if name == "" {
		name = "forgecore"
	}
	if email == "" {
		email = "forgecore@localhost"
	}
	sig := object.Signature{Name: name, Email: email, When: time.Now()}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   "Initial commit\n",
		TreeHash:  treeHash,
	}
	commitObj := storer.NewEncodedObject()
	if err := commit.Encode(commitObj); err != nil {
		return errors.Wrap(err, errors.ErrCodeGit, "failed to encode commit")
	}
	commitHash, err := storer.SetEncodedObject(commitObj)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGit, "failed to store commit")
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), commitHash)
	if err := storer.SetReference(ref); err != nil {
		return errors.Wrap(err, errors.ErrCodeGit, "failed to create branch")
	}
	return nil
}

// BranchTip returns the commit id branch points at in the repository at dir
func BranchTip(dir, branch string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeRepoNotFound, "failed to open repository").WithContext("dir", dir)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeGit, "branch not found").WithContext("branch", branch)
	}
	return ref.Hash().String(), nil
}

// Branches returns every local branch and its tip
func Branches(dir string) (map[string]string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeRepoNotFound, "failed to open repository").WithContext("dir", dir)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeGit, "failed to list branches")
	}
	tips := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tips[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	return tips, err
}
