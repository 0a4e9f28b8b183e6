package stack

import (
	"context"
	stderrors "errors"

	"forgecore/internal/observability"
	"forgecore/internal/transport"
	"forgecore/pkg/models"
)

// RestackHook rebases the stacks touched by a push. It is registered as a
// transport.PushHandler and runs after receive-pack has exited.
type RestackHook struct {
	orch   *Orchestrator
	store  Store
	logger *observability.Logger
}

var _ transport.PushHandler = (*RestackHook)(nil)

// NewRestackHook creates the hook
func NewRestackHook(orch *Orchestrator, store Store, logger *observability.Logger) *RestackHook {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RestackHook{orch: orch, store: store, logger: logger}
}

// OnPush runs every stack of the pushed repository whose base or entries
// include an updated branch. Each stack runs at most once per push. Deleted
// branches do not trigger a run.
func (h *RestackHook) OnPush(ctx context.Context, event transport.PushEvent) error {
	var pushed []string
	for _, ref := range event.Refs {
		if ref.IsDelete() {
			continue
		}
		if branch, ok := ref.Branch(); ok {
			pushed = append(pushed, branch)
		}
	}
	if len(pushed) == 0 {
		return nil
	}

	stacks, err := h.store.ListByRepo(ctx, event.RepoPath)
	if err != nil {
		return err
	}

	var errs []error
	for _, s := range stacks {
		if !touches(s, pushed) {
			continue
		}
		result, err := h.orch.Rebase(ctx, s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if result.Outcome() != models.OutcomeCompleted {
			h.logger.WarnWithFields("restack after push did not complete", map[string]interface{}{
				"stack_id": s.ID,
				"repo":     event.RepoPath,
				"user_id":  event.UserID,
				"outcome":  result.Outcome(),
			})
		}
	}
	return stderrors.Join(errs...)
}

func touches(s *models.Stack, branches []string) bool {
	for _, b := range branches {
		if s.Contains(b) {
			return true
		}
	}
	return false
}
