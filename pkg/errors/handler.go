package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrorHandler reports errors that end a CLI command: one JSON line for the log
// and a readable block for the operator.
type ErrorHandler struct {
	logWriter io.Writer
	display   io.Writer
	color     bool
	errorLog  []ErrorLogEntry
	maxLog    int
	mu        sync.Mutex
}

// ErrorLogEntry represents a logged error
type ErrorLogEntry struct {
	Timestamp   time.Time              `json:"timestamp"`
	Code        ErrorCode              `json:"code"`
	Severity    ErrorSeverity          `json:"severity"`
	Message     string                 `json:"message"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       string                 `json:"cause,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

// NewErrorHandler creates a handler writing log lines to logWriter and the
// human readable report to display. A nil logWriter disables the log line.
func NewErrorHandler(logWriter, display io.Writer, color bool) *ErrorHandler {
	if display == nil {
		display = os.Stderr
	}
	return &ErrorHandler{
		logWriter: logWriter,
		display:   display,
		color:     color,
		errorLog:  make([]ErrorLogEntry, 0),
		maxLog:    100,
	}
}

// Handle processes an error with full context
func (h *ErrorHandler) Handle(err error) {
	if err == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Wrap(err, ErrCodeInternal, err.Error())
	}

	entry := ErrorLogEntry{
		Timestamp:   appErr.Timestamp,
		Code:        appErr.Code,
		Severity:    appErr.Severity,
		Message:     appErr.Message,
		Context:     appErr.Context,
		Recoverable: appErr.Recoverable,
	}
	if appErr.Cause != nil {
		entry.Cause = appErr.Cause.Error()
	}

	h.errorLog = append(h.errorLog, entry)
	if len(h.errorLog) > h.maxLog {
		h.errorLog = h.errorLog[1:]
	}

	h.writeLog(entry)
	h.displayError(appErr)
}

// Recent returns the errors handled so far, oldest first
func (h *ErrorHandler) Recent() []ErrorLogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ErrorLogEntry, len(h.errorLog))
	copy(out, h.errorLog)
	return out
}

func (h *ErrorHandler) writeLog(entry ErrorLogEntry) {
	if h.logWriter == nil {
		return
	}
	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(h.logWriter, "Failed to marshal error log: %v\n", err)
		return
	}
	fmt.Fprintln(h.logWriter, string(jsonData))
}

// displayError displays a user-friendly error message
func (h *ErrorHandler) displayError(err *AppError) {
	severityColor, resetColor := "", ""
	if h.color {
		switch err.Severity {
		case SeverityCritical:
			severityColor = "\033[31m" // Red
		case SeverityError:
			severityColor = "\033[91m" // Light Red
		case SeverityWarning:
			severityColor = "\033[33m" // Yellow
		default:
			severityColor = "\033[36m" // Cyan
		}
		resetColor = "\033[0m"
	}

	fmt.Fprintf(h.display, "%s[%s] %s%s\n", severityColor, err.Code, err.Message, resetColor)
	if err.Cause != nil {
		fmt.Fprintf(h.display, "  caused by: %v\n", err.Cause)
	}

	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintln(h.display, "Context:")
		for _, key := range keys {
			fmt.Fprintf(h.display, "  %s: %v\n", key, err.Context[key])
		}
	}

	if len(err.Suggestions) > 0 {
		fmt.Fprintln(h.display, "Suggestions:")
		for i, suggestion := range err.Suggestions {
			fmt.Fprintf(h.display, "  %d. %s\n", i+1, suggestion)
		}
	}
}
