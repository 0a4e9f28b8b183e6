package stack

import (
	"context"
	"fmt"
	"strings"

	"forgecore/internal/common"
	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/google/uuid"
)

// Store persists stack definitions and the SHAs recorded by rebase runs
type Store interface {
	Get(ctx context.Context, id string) (*models.Stack, error)
	List(ctx context.Context) ([]*models.Stack, error)
	// ListByRepo returns the stacks of one normalized repository path
	ListByRepo(ctx context.Context, repo string) ([]*models.Stack, error)
	// Save creates or replaces a stack and all of its entries
	Save(ctx context.Context, stack *models.Stack) error
	Delete(ctx context.Context, id string) error
	// UpdateEntry records the head and base SHAs of one entry
	UpdateEntry(ctx context.Context, stackID string, entry models.StackEntry) error
	Close() error
}

// Prepare fills in generated ids, normalizes the repository path and checks
// the shape of the stack. Stores call it from Save.
func Prepare(s *models.Stack) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	repo, err := common.NormalizeRepoPath(s.Repo)
	if err != nil {
		return invalid(s.ID, "repo", err.Error())
	}
	s.Repo = repo

	if strings.TrimSpace(s.Base) == "" {
		return invalid(s.ID, "base", "base branch is required")
	}
	if len(s.Entries) == 0 {
		return invalid(s.ID, "entries", "a stack needs at least one entry")
	}

	seen := map[string]bool{s.Base: true}
	ids := make(map[string]bool, len(s.Entries))
	for i := range s.Entries {
		e := &s.Entries[i]
		if strings.TrimSpace(e.Branch) == "" {
			return invalid(s.ID, fmt.Sprintf("entries[%d].branch", i), "branch is required")
		}
		if seen[e.Branch] {
			return invalid(s.ID, fmt.Sprintf("entries[%d].branch", i), fmt.Sprintf("branch %s appears twice", e.Branch))
		}
		seen[e.Branch] = true

		if e.ID == "" {
			e.ID = e.Branch
		}
		if ids[e.ID] {
			return invalid(s.ID, fmt.Sprintf("entries[%d].id", i), fmt.Sprintf("duplicate entry id %s", e.ID))
		}
		ids[e.ID] = true
		e.StackID = s.ID
		e.Position = i
	}
	return nil
}

func invalid(stackID, field, reason string) *errors.AppError {
	return errors.New(errors.ErrCodeStackInvalid, "invalid stack: "+reason).
		WithContext("stack_id", stackID).
		WithContext("field", field)
}

func notFound(id string) *errors.AppError {
	return errors.New(errors.ErrCodeStackNotFound, "stack not found").
		WithContext("stack_id", id).
		WithSuggestions("Run 'forgecore stack list' to see the defined stacks")
}

func entryNotFound(stackID, entryID string) *errors.AppError {
	return errors.New(errors.ErrCodeStackNotFound, "stack entry not found").
		WithContext("stack_id", stackID).
		WithContext("entry_id", entryID)
}

func clone(s *models.Stack) *models.Stack {
	c := *s
	c.Entries = append([]models.StackEntry(nil), s.Entries...)
	return &c
}
