package stack

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"forgecore/internal/common"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"gopkg.in/yaml.v3"
)

type stackFile struct {
	Stacks []*models.Stack `yaml:"stacks"`
}

// FileStore keeps stacks in a single YAML document. Writes go to a temp file
// that is renamed over the original. It is meant for one process; servers
// sharing stacks use the SQL store.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore uses path, which need not exist yet
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the YAML file backing the store
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) load() (*stackFile, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &stackFile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read stack file").
			WithContext("path", f.path)
	}
	var doc stackFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse stack file").
			WithContext("path", f.path)
	}
	for _, s := range doc.Stacks {
		for i := range s.Entries {
			s.Entries[i].StackID = s.ID
			s.Entries[i].Position = i
		}
	}
	return &doc, nil
}

func (f *FileStore) write(doc *stackFile) error {
	sort.Slice(doc.Stacks, func(i, j int) bool { return doc.Stacks[i].ID < doc.Stacks[j].ID })
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode stack file")
	}
	if err := os.MkdirAll(filepath.Dir(f.path), common.DirPermissionSecure); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create stack directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".stacks-*.yaml")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write stack file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write stack file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write stack file")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace stack file").
			WithContext("path", f.path)
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*models.Stack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, s := range doc.Stacks {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, notFound(id)
}

func (f *FileStore) List(ctx context.Context) ([]*models.Stack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	return doc.Stacks, nil
}

func (f *FileStore) ListByRepo(ctx context.Context, repo string) ([]*models.Stack, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	repo, _ = common.NormalizeRepoPath(repo)
	var out []*models.Stack
	for _, s := range all {
		if s.Repo == repo {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *FileStore) Save(ctx context.Context, stack *models.Stack) error {
	if err := Prepare(stack); err != nil {
		return err
	}
	stack.UpdatedAt = f.now().UTC()

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, s := range doc.Stacks {
		if s.ID == stack.ID {
			doc.Stacks[i] = clone(stack)
			replaced = true
		}
	}
	if !replaced {
		doc.Stacks = append(doc.Stacks, clone(stack))
	}
	return f.write(doc)
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	for i, s := range doc.Stacks {
		if s.ID == id {
			doc.Stacks = append(doc.Stacks[:i], doc.Stacks[i+1:]...)
			return f.write(doc)
		}
	}
	return notFound(id)
}

func (f *FileStore) UpdateEntry(ctx context.Context, stackID string, entry models.StackEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	for _, s := range doc.Stacks {
		if s.ID != stackID {
			continue
		}
		for i := range s.Entries {
			if s.Entries[i].ID == entry.ID {
				s.Entries[i].HeadSHA = entry.HeadSHA
				s.Entries[i].BaseSHA = entry.BaseSHA
				s.UpdatedAt = f.now().UTC()
				return f.write(doc)
			}
		}
		return entryNotFound(stackID, entry.ID)
	}
	return notFound(stackID)
}

// Close is a no-op
func (f *FileStore) Close() error {
	return nil
}
