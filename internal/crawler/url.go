package crawler

import (
	"fmt"
	"regexp"
	"strings"
)

var taskURLPattern = regexp.MustCompile(`^https?://\S+$`)

// ValidateURL trims raw and checks it is an absolute http(s) URL without
// whitespace. It returns the trimmed value.
func ValidateURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !taskURLPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return trimmed, nil
}

// IsValidURL reports whether raw is usable as a task key as-is.
func IsValidURL(raw string) bool {
	return taskURLPattern.MatchString(raw)
}
