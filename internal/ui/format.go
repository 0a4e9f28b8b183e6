package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"forgecore/pkg/errors"
	"forgecore/pkg/models"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/olekukonko/tablewriter"
)

var (
	// Out receives everything the Show helpers print
	Out io.Writer = os.Stdout

	supportsColor = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	ColorSuccess  = colorFunc(ansi.Green)
	ColorError    = colorFunc(ansi.Red)
	ColorWarning  = colorFunc(ansi.Yellow)
	ColorInfo     = colorFunc(ansi.Cyan)
	ColorProgress = colorFunc(ansi.Blue)
	ColorBold     = colorFunc("default+b")
	ColorDim      = colorFunc("default+h")
)

func init() {
	color.NoColor = !supportsColor
}

// colorFunc returns a function that colors text if supported
func colorFunc(c string) func(string) string {
	return func(text string) string {
		if supportsColor {
			return ansi.Color(text, c)
		}
		return text
	}
}

// SetColor forces colored output on or off
func SetColor(enabled bool) {
	supportsColor = enabled
	color.NoColor = !enabled
}

// IsInteractive reports whether stdin and stdout are terminals
func IsInteractive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}

// ShowHeader displays a formatted header
func ShowHeader(title string) {
	width := 50
	padding := (width - len(title) - 2) / 2
	if padding < 0 {
		padding = 0
	}
	rest := width - 2 - padding - len(title)
	if rest < 0 {
		rest = 0
	}

	fmt.Fprintln(Out, "\n+"+strings.Repeat("-", width-2)+"+")
	fmt.Fprintf(Out, "|%s%s%s|\n", strings.Repeat(" ", padding), ColorBold(title), strings.Repeat(" ", rest))
	fmt.Fprintln(Out, "+"+strings.Repeat("-", width-2)+"+")
}

// NewTable returns a borderless left aligned table writing to w
func NewTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}

// ShortSHA abbreviates a commit id for display
func ShortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "-"
	}
	return sha
}

// RenderRebaseResult prints one row per entry of a stack run
func RenderRebaseResult(w io.Writer, stack *models.Stack, result *models.RebaseResult) {
	state := make(map[string][2]string, len(stack.Entries))
	for _, r := range result.Rebased {
		state[r.EntryID] = [2]string{color.GreenString("rebased"), ShortSHA(r.NewHeadSHA)}
	}
	for _, id := range result.Unchanged {
		state[id] = [2]string{"unchanged", ""}
	}
	for _, c := range result.Conflicted {
		state[c.EntryID] = [2]string{color.RedString("conflict"), strings.Join(c.ConflictFiles, ", ")}
	}
	for _, f := range result.Failed {
		state[f.EntryID] = [2]string{color.RedString("failed"), f.Reason}
	}
	for _, id := range result.Skipped {
		state[id] = [2]string{color.YellowString("skipped"), ""}
	}

	table := NewTable(w, "#", "Branch", "State", "Details")
	for i, e := range stack.Entries {
		s, ok := state[e.ID]
		if !ok {
			s = [2]string{"-", ""}
		}
		details := s[1]
		if details == "" {
			details = ShortSHA(e.HeadSHA)
		}
		table.Append([]string{fmt.Sprintf("%d", i+1), e.Branch, s[0], details})
	}
	table.Render()
}

// RenderStackStatus prints how far each entry is behind its parent
func RenderStackStatus(w io.Writer, statuses []models.StackStatus) {
	table := NewTable(w, "Branch", "Parent", "Behind", "Ahead", "Status")
	for _, s := range statuses {
		status := color.GreenString("up to date")
		if s.NeedsRebase {
			status = color.YellowString("needs rebase")
		}
		table.Append([]string{s.First, s.Base, fmt.Sprintf("%d", s.BehindBy), fmt.Sprintf("%d", s.AheadBy), status})
	}
	table.Render()
}

// Suggest returns an operator hint for err, or "" when there is none
func Suggest(err error) string {
	switch errors.GetErrorCode(err) {
	case errors.ErrCodeLockUnavailable:
		return "Another operation holds the repository lock; retry once it finishes"
	case errors.ErrCodeLockStoreUnreachable:
		return "Check lock.backend and that the lock store is reachable"
	case errors.ErrCodeRepoNotFound:
		return "Create the repository with 'forgecore repo init'"
	case errors.ErrCodeRebaseConflict:
		return "Resolve the conflict on the reported branch, push it, then rebase the stack again"
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"):
		return "Verify the address and that the service is running"
	case strings.Contains(lower, "permission denied"):
		return "Check file permissions of the repository root and host key"
	default:
		return ""
	}
}

// Confirm asks a yes/no question. Outside a terminal it returns the default.
func Confirm(message string, defaultValue bool) (bool, error) {
	if !IsInteractive() {
		return defaultValue, nil
	}
	answer := defaultValue
	if err := survey.AskOne(&survey.Confirm{Message: message, Default: defaultValue}, &answer); err != nil {
		return false, err
	}
	return answer, nil
}
