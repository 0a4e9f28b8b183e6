package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Transport errors (1xxx)
	ErrCodeAuthenticationRejected ErrorCode = "FCE1001"
	ErrCodeAuthorizationDenied    ErrorCode = "FCE1002"
	ErrCodeMalformedCommand       ErrorCode = "FCE1003"
	ErrCodeSubprocessFailure      ErrorCode = "FCE1004"
	ErrCodeHostKey                ErrorCode = "FCE1005"

	// Configuration errors (2xxx)
	ErrCodeConfigNotFound ErrorCode = "FCE2001"
	ErrCodeConfigInvalid  ErrorCode = "FCE2002"

	// Repository errors (3xxx)
	ErrCodeRepoNotFound     ErrorCode = "FCE3001"
	ErrCodeRepoInvalidPath  ErrorCode = "FCE3002"
	ErrCodeRepoExists       ErrorCode = "FCE3003"
	ErrCodeGit              ErrorCode = "FCE3004"
	ErrCodeMirrorSyncFailed ErrorCode = "FCE3005"

	// Lock errors (4xxx)
	ErrCodeLockUnavailable      ErrorCode = "FCE4001"
	ErrCodeLockStoreUnreachable ErrorCode = "FCE4002"
	ErrCodeLockNotHeld          ErrorCode = "FCE4003"

	// Rebase errors (5xxx)
	ErrCodeRebaseConflict ErrorCode = "FCE5001"
	ErrCodeStackNotFound  ErrorCode = "FCE5002"
	ErrCodeStackInvalid   ErrorCode = "FCE5003"

	// System errors (9xxx)
	ErrCodeInternal   ErrorCode = "FCE9001"
	ErrCodeTimeout    ErrorCode = "FCE9002"
	ErrCodeInvalidArg ErrorCode = "FCE9003"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // System failure, requires immediate attention
	SeverityError    ErrorSeverity = "ERROR"    // Operation failed, but system continues
	SeverityWarning  ErrorSeverity = "WARNING"  // Operation succeeded with issues
	SeverityInfo     ErrorSeverity = "INFO"     // Informational, not an error
)

// Sentinels for errors.Is comparisons. Matching is done on the code only.
var (
	ErrAuthenticationRejected = &AppError{Code: ErrCodeAuthenticationRejected}
	ErrAuthorizationDenied    = &AppError{Code: ErrCodeAuthorizationDenied}
	ErrRepositoryNotFound     = &AppError{Code: ErrCodeRepoNotFound}
	ErrMalformedCommand       = &AppError{Code: ErrCodeMalformedCommand}
	ErrSubprocessFailure      = &AppError{Code: ErrCodeSubprocessFailure}
	ErrLockUnavailable        = &AppError{Code: ErrCodeLockUnavailable}
	ErrRebaseConflict         = &AppError{Code: ErrCodeRebaseConflict}
	ErrLockStoreUnreachable   = &AppError{Code: ErrCodeLockStoreUnreachable}
	ErrLockNotHeld            = &AppError{Code: ErrCodeLockNotHeld}
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\nCaused by: %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Severity:    SeverityError,
		Context:     make(map[string]interface{}),
		Stack:       captureStack(),
		Timestamp:   time.Now(),
		Recoverable: false,
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// If wrapping another AppError, inherit its context
	var ae *AppError
	if errors.As(err, &ae) {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
	}

	return appErr
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// captureStack captures the current stack trace
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// Common error constructors

// AuthenticationRejected is returned when no offered key is accepted
func AuthenticationRejected(username string, cause error) *AppError {
	var err *AppError
	if cause != nil {
		err = Wrap(cause, ErrCodeAuthenticationRejected, "public key rejected")
	} else {
		err = New(ErrCodeAuthenticationRejected, "public key rejected")
	}
	return err.WithContext("username", username)
}

// AuthorizationDenied is returned when a user may not run op against repo
func AuthorizationDenied(userID, repo, op string) *AppError {
	return New(ErrCodeAuthorizationDenied, fmt.Sprintf("access denied to %s", repo)).
		WithContext("user_id", userID).
		WithContext("repo", repo).
		WithContext("operation", op)
}

// RepositoryNotFound is returned for unknown or unresolvable repository paths
func RepositoryNotFound(repo string) *AppError {
	return New(ErrCodeRepoNotFound, fmt.Sprintf("repository not found: %s", repo)).
		WithContext("repo", repo)
}

// InvalidRepoPath is returned when a requested path escapes the repository root
func InvalidRepoPath(repo, reason string) *AppError {
	return New(ErrCodeRepoInvalidPath, fmt.Sprintf("invalid repository path: %s", reason)).
		WithContext("repo", repo)
}

// MalformedCommand is returned for exec payloads that are not a git service call
func MalformedCommand(command string) *AppError {
	return New(ErrCodeMalformedCommand, "unsupported command").
		WithContext("command", truncateString(command, 200)).
		WithSuggestions("Only git-upload-pack '<repo>' and git-receive-pack '<repo>' are accepted")
}

// SubprocessFailure wraps a git service process that failed to start or exited badly
func SubprocessFailure(service string, cause error) *AppError {
	return Wrap(cause, ErrCodeSubprocessFailure, fmt.Sprintf("%s failed", service)).
		WithContext("service", service)
}

// LockUnavailable is returned when a lock could not be acquired after all retries
func LockUnavailable(key string, attempts int) *AppError {
	return New(ErrCodeLockUnavailable, fmt.Sprintf("could not acquire lock %q", key)).
		WithContext("lock_key", key).
		WithContext("attempts", attempts).
		WithSeverity(SeverityWarning).
		WithSuggestions("Retry the operation later").
		AsRecoverable()
}

// LockStoreUnreachable wraps a failure to reach the shared lock store
func LockStoreUnreachable(backend string, cause error) *AppError {
	return Wrap(cause, ErrCodeLockStoreUnreachable, fmt.Sprintf("lock store %s unreachable", backend)).
		WithContext("backend", backend).
		WithSeverity(SeverityCritical).
		WithSuggestions(
			"Check the lock store address and credentials",
			"Use backend: memory only for single-instance deployments",
		)
}

// RebaseConflict is returned when rebasing a stack entry conflicts
func RebaseConflict(branch string, files []string) *AppError {
	return New(ErrCodeRebaseConflict, fmt.Sprintf("rebase of %s conflicts", branch)).
		WithContext("branch", branch).
		WithContext("conflict_files", files).
		WithSeverity(SeverityWarning).
		AsRecoverable()
}

// ConfigError creates a configuration-related error
func ConfigError(message string, field string) *AppError {
	return New(ErrCodeConfigInvalid, message).
		WithContext("field", field).
		WithSuggestions(
			fmt.Sprintf("Check the '%s' configuration value", field),
			"Refer to the configuration documentation",
		)
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// ClientMessage renders the single line written to a git client's error stream.
// Causes and stacks stay server side.
func ClientMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return fmt.Sprintf("ERROR: %s", appErr.Message)
	}
	return "ERROR: internal server error"
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
