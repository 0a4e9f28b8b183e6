package git

import (
	"fmt"
	"path/filepath"
	"strings"
)

// IsSSHURL checks if a git URL is using SSH protocol
func IsSSHURL(gitURL string) bool {
	return strings.HasPrefix(gitURL, "git@") || strings.HasPrefix(gitURL, "ssh://")
}

// IsHTTPSURL checks if a git URL is using HTTPS protocol
func IsHTTPSURL(gitURL string) bool {
	return strings.HasPrefix(gitURL, "https://") || strings.HasPrefix(gitURL, "http://")
}

// IsLocalURL checks for absolute paths and file:// URLs
func IsLocalURL(gitURL string) bool {
	return strings.HasPrefix(gitURL, "file://") || filepath.IsAbs(gitURL)
}

// ValidateGitURL performs basic validation on a remote URL
func ValidateGitURL(gitURL string) error {
	if gitURL == "" {
		return fmt.Errorf("git URL cannot be empty")
	}
	if !IsSSHURL(gitURL) && !IsHTTPSURL(gitURL) && !IsLocalURL(gitURL) {
		return fmt.Errorf("invalid git URL: must be SSH, HTTPS, file:// or an absolute local path")
	}
	return nil
}

// RedactURL hides the userinfo password of an HTTPS URL for logging
func RedactURL(gitURL string) string {
	if !IsHTTPSURL(gitURL) {
		return gitURL
	}
	scheme := gitURL[:strings.Index(gitURL, "://")+3]
	rest := strings.TrimPrefix(gitURL, scheme)
	at := strings.Index(rest, "@")
	slash := strings.Index(rest, "/")
	if at < 0 || (slash >= 0 && at > slash) {
		return gitURL
	}
	userinfo := rest[:at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		userinfo = userinfo[:i] + ":***"
	}
	return scheme + userinfo + rest[at:]
}

// extractHost extracts the host from a Git URL
func extractHost(gitURL string) string {
	url := gitURL
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "ssh://")
	if i := strings.Index(url, "@"); i >= 0 && (strings.Index(url, "/") < 0 || i < strings.Index(url, "/")) {
		url = url[i+1:]
	}

	if idx := strings.Index(url, "/"); idx > 0 {
		url = url[:idx]
	}
	if idx := strings.Index(url, ":"); idx > 0 {
		url = url[:idx]
	}
	return url
}
