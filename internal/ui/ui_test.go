package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"forgecore/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUIQuiet(t *testing.T) {
	buf := captureOut(t)

	u := NewUI(false, true)
	u.Printf("hidden")
	u.Success("hidden")
	u.StartProgress("hidden")
	u.StopProgress(true, "hidden")
	assert.Empty(t, buf.String())

	u = NewUI(false, false)
	u.Printf("shown %d\n", 1)
	u.VerbosePrintf("not verbose\n")
	u.PrintKeyValue("repo", "team/app.git")
	out := buf.String()
	assert.Contains(t, out, "shown 1")
	assert.NotContains(t, out, "not verbose")
	assert.Contains(t, out, "team/app.git")
}

func TestSpinnerWithoutTerminal(t *testing.T) {
	SetColor(false)
	var buf bytes.Buffer
	s := NewSpinner(&buf, "syncing")
	s.Start()
	s.Stop(false, "sync")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "syncing...", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "failed sync"))
}

func TestStackOption(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := &models.Stack{
		ID:        "s1",
		Base:      "main",
		Entries:   []models.StackEntry{{Branch: "a"}, {Branch: "b"}},
		UpdatedAt: now.Add(-3 * time.Hour),
	}
	assert.Equal(t, "s1  main <- a <- b  (3 hours ago)", StackOption(s, now))

	s.UpdatedAt = time.Time{}
	assert.Equal(t, "s1  main <- a <- b", StackOption(s, now))
}

func TestFormatRelativeTime(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{10 * time.Second, "just now"},
		{time.Minute, "1 minute ago"},
		{45 * time.Minute, "45 minutes ago"},
		{25 * time.Hour, "1 day ago"},
		{30 * 24 * time.Hour, "Apr 10, 2024"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelativeTime(now.Add(-tt.ago), now))
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", formatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m5s", formatDuration(125*time.Second))
}
