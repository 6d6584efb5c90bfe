package content

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxMessageLength  = 4096
	MaxUsernameLength = 32
)

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	ErrEmptyMessage = errors.New("message cannot be empty")
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Message sanitizes message content and rejects empty or oversized input.
func Message(input string) (string, error) {
	clean := strings.TrimSpace(Sanitize(input))
	if clean == "" {
		return "", ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(clean); n > MaxMessageLength {
		return "", fmt.Errorf("message is too long (%d > %d characters)", n, MaxMessageLength)
	}
	return clean, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("username is longer than %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
