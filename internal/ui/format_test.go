package ui

import (
	"bytes"
	"testing"

	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/stretchr/testify/assert"
)

func captureOut(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Out
	Out = &buf
	SetColor(false)
	t.Cleanup(func() { Out = prev })
	return &buf
}

func TestShowHeader(t *testing.T) {
	buf := captureOut(t)
	ShowHeader("title")
	assert.Contains(t, buf.String(), "title")
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "-", ShortSHA(""))
	assert.Equal(t, "abc", ShortSHA("abc"))
	assert.Equal(t, "0123456789ab", ShortSHA("0123456789abcdef0123"))
}

func TestRenderRebaseResult(t *testing.T) {
	SetColor(false)
	stack := &models.Stack{
		ID:   "s1",
		Base: "main",
		Entries: []models.StackEntry{
			{ID: "a", Branch: "feature-a"},
			{ID: "b", Branch: "feature-b"},
			{ID: "c", Branch: "feature-c"},
		},
	}
	result := &models.RebaseResult{
		Rebased:    []models.RebasedEntry{{EntryID: "a", Branch: "feature-a", NewHeadSHA: "1111111111111111"}},
		Conflicted: []models.ConflictedEntry{{EntryID: "b", Branch: "feature-b", ConflictFiles: []string{"shared.txt"}}},
		Skipped:    []string{"c"},
	}

	var buf bytes.Buffer
	RenderRebaseResult(&buf, stack, result)
	out := buf.String()

	assert.Contains(t, out, "feature-a")
	assert.Contains(t, out, "rebased")
	assert.Contains(t, out, "111111111111")
	assert.Contains(t, out, "conflict")
	assert.Contains(t, out, "shared.txt")
	assert.Contains(t, out, "skipped")
}

func TestRenderStackStatus(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	RenderStackStatus(&buf, []models.StackStatus{
		{Base: "main", First: "a", BehindBy: 2, AheadBy: 1, NeedsRebase: true},
		{Base: "a", First: "b", AheadBy: 3},
	})
	out := buf.String()
	assert.Contains(t, out, "needs rebase")
	assert.Contains(t, out, "up to date")
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New(errors.ErrCodeLockUnavailable, "x"), "retry"},
		{errors.New(errors.ErrCodeRebaseConflict, "x"), "Resolve the conflict"},
		{errors.New(errors.ErrCodeRepoNotFound, "x"), "forgecore repo init"},
		{assert.AnError, ""},
	}
	for _, tt := range tests {
		got := Suggest(tt.err)
		if tt.want == "" {
			assert.Empty(t, got)
			continue
		}
		assert.Contains(t, got, tt.want)
	}
}
