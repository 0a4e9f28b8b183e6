package models

import "time"

// Stack is an ordered chain of branches where each entry is based on the one
// before it and the first entry is based on Base.
type Stack struct {
	ID        string       `yaml:"id" json:"id" db:"id"`
	Repo      string       `yaml:"repo" json:"repo" db:"repo"`
	Base      string       `yaml:"base" json:"base" db:"base"`
	Entries   []StackEntry `yaml:"entries" json:"entries"`
	UpdatedAt time.Time    `yaml:"updated_at,omitempty" json:"updated_at,omitempty" db:"updated_at"`
}

// Branches returns the base followed by every entry branch, in stack order
func (s *Stack) Branches() []string {
	out := make([]string, 0, len(s.Entries)+1)
	out = append(out, s.Base)
	for _, e := range s.Entries {
		out = append(out, e.Branch)
	}
	return out
}

// Contains reports whether branch is the base or one of the entries
func (s *Stack) Contains(branch string) bool {
	for _, b := range s.Branches() {
		if b == branch {
			return true
		}
	}
	return false
}

// StackEntry is one branch in a stack
type StackEntry struct {
	ID       string `yaml:"id" json:"id" db:"id"`
	StackID  string `yaml:"-" json:"-" db:"stack_id"`
	Position int    `yaml:"-" json:"position" db:"position"`
	Branch   string `yaml:"branch" json:"branch" db:"branch"`
	HeadSHA  string `yaml:"head_sha,omitempty" json:"head_sha,omitempty" db:"head_sha"`
	BaseSHA  string `yaml:"base_sha,omitempty" json:"base_sha,omitempty" db:"base_sha"`
}

// RebasedEntry is an entry whose branch moved to NewHeadSHA
type RebasedEntry struct {
	EntryID    string `json:"entry_id"`
	Branch     string `json:"branch"`
	NewHeadSHA string `json:"new_head_sha"`
}

// ConflictedEntry is the entry where the run stopped
type ConflictedEntry struct {
	EntryID       string   `json:"entry_id"`
	Branch        string   `json:"branch"`
	ConflictFiles []string `json:"conflict_files"`
}

// FailedEntry is an entry that could not be processed for a reason other than a conflict
type FailedEntry struct {
	EntryID string `json:"entry_id"`
	Branch  string `json:"branch"`
	Reason  string `json:"reason"`
}

// Run outcomes reported by RebaseResult.Outcome
const (
	OutcomeCompleted       = "completed"
	OutcomeConflicted      = "conflicted"
	OutcomeFailed          = "failed"
	OutcomeLockUnavailable = "lock_unavailable"
)

// RebaseResult describes what one orchestrator run did to each entry
type RebaseResult struct {
	StackID    string            `json:"stack_id"`
	Rebased    []RebasedEntry    `json:"rebased"`
	Unchanged  []string          `json:"unchanged"`
	Conflicted []ConflictedEntry `json:"conflicted"`
	Failed     []FailedEntry     `json:"failed"`
	Skipped    []string          `json:"skipped"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`

	// LockUnavailable is set when the run never started because another
	// holder had the repository lock
	LockUnavailable bool `json:"lock_unavailable,omitempty"`
}

// Outcome summarises the run
func (r *RebaseResult) Outcome() string {
	switch {
	case r.LockUnavailable:
		return OutcomeLockUnavailable
	case len(r.Conflicted) > 0:
		return OutcomeConflicted
	case len(r.Failed) > 0:
		return OutcomeFailed
	default:
		return OutcomeCompleted
	}
}

// StackStatus is the answer to "does this stack need a rebase"
type StackStatus struct {
	StackID     string `json:"stack_id"`
	Base        string `json:"base"`
	First       string `json:"first"`
	BehindBy    int    `json:"behind_by"`
	AheadBy     int    `json:"ahead_by"`
	NeedsRebase bool   `json:"needs_rebase"`
}
