package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"forgecore/pkg/models"

	"github.com/AlecAivazis/survey/v2"
)

// UI carries the verbosity flags of a CLI invocation
type UI struct {
	Verbose bool
	Quiet   bool
	out     io.Writer
	spinner *Spinner
}

// NewUI creates a UI writing to Out
func NewUI(verbose, quiet bool) *UI {
	return &UI{Verbose: verbose, Quiet: quiet, out: Out}
}

// Writer returns the destination of regular output
func (u *UI) Writer() io.Writer {
	if u.Quiet {
		return io.Discard
	}
	return u.out
}

// Printf prints formatted output if not in quiet mode
func (u *UI) Printf(format string, args ...interface{}) {
	fmt.Fprintf(u.Writer(), format, args...)
}

// VerbosePrintf prints formatted output only in verbose mode
func (u *UI) VerbosePrintf(format string, args ...interface{}) {
	if u.Verbose {
		u.Printf(format, args...)
	}
}

// StartProgress starts a spinner with a message
func (u *UI) StartProgress(message string) {
	if u.Quiet {
		return
	}
	u.spinner = NewSpinner(u.out, message)
	u.spinner.Start()
}

// StopProgress stops the spinner
func (u *UI) StopProgress(success bool, message string) {
	if u.spinner == nil {
		return
	}
	u.spinner.Stop(success, message)
	u.spinner = nil
}

// Success prints a success message
func (u *UI) Success(message string) {
	if !u.Quiet {
		fmt.Fprintf(u.out, "%s %s\n", ColorSuccess("SUCCESS:"), message)
	}
}

// Warning prints a warning message
func (u *UI) Warning(message string) {
	if !u.Quiet {
		fmt.Fprintf(u.out, "%s %s\n", ColorWarning("WARNING:"), message)
	}
}

// Info prints an information message
func (u *UI) Info(message string) {
	if !u.Quiet {
		fmt.Fprintf(u.out, "%s %s\n", ColorInfo("INFO:"), message)
	}
}

// PrintKeyValue prints a key-value pair in a formatted way
func (u *UI) PrintKeyValue(key, value string) {
	fmt.Fprintf(u.Writer(), "  %-20s %s\n", ColorDim(key+":"), value)
}

// StackOption renders a stack as a single select line
func StackOption(s *models.Stack, now time.Time) string {
	branches := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		branches = append(branches, e.Branch)
	}
	line := fmt.Sprintf("%s  %s <- %s", s.ID, s.Base, strings.Join(branches, " <- "))
	if !s.UpdatedAt.IsZero() {
		line += "  (" + RelativeTime(s.UpdatedAt, now) + ")"
	}
	return line
}

// SelectStack asks the user to pick one of stacks
func SelectStack(message string, stacks []*models.Stack) (*models.Stack, error) {
	if len(stacks) == 0 {
		return nil, fmt.Errorf("no stacks to choose from")
	}
	sorted := append([]*models.Stack(nil), stacks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt) })

	now := time.Now()
	options := make([]string, len(sorted))
	for i, s := range sorted {
		options[i] = StackOption(s, now)
	}

	var idx int
	prompt := &survey.Select{
		Message:  message,
		Options:  options,
		PageSize: 10,
	}
	if err := survey.AskOne(prompt, &idx); err != nil {
		return nil, err
	}
	return sorted[idx], nil
}

// RelativeTime formats t relative to now
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hour") + " ago"
	case d < 7*24*time.Hour:
		return plural(int(d.Hours()/24), "day") + " ago"
	default:
		return t.Format("Jan 2, 2006")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
