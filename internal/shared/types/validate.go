package types

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	// MaxSessionNameLength bounds user-supplied session titles
	MaxSessionNameLength = 120

	// PreviewLength bounds index message previews
	PreviewLength = 100

	// DefaultSessionTitle is the placeholder eligible for auto-titling
	DefaultSessionTitle = "New Session"
)

// ErrInvalidName indicates a session name that fails validation
var ErrInvalidName = errors.New("invalid session name")

// ValidateSessionName checks a user-supplied session title
func ValidateSessionName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.Join(ErrInvalidName, errors.New("name must not be empty"))
	}
	if utf8.RuneCountInString(trimmed) > MaxSessionNameLength {
		return errors.Join(ErrInvalidName, errors.New("name exceeds maximum length"))
	}
	return nil
}

// IsDefaultTitle reports whether a title is a known placeholder.
// Legacy sessions persisted before TitleSource existed are recognized
// by their literal placeholder titles.
func IsDefaultTitle(title string) bool {
	switch strings.TrimSpace(title) {
	case "", DefaultSessionTitle, "Untitled", "Untitled Session":
		return true
	}
	return false
}

// ClampPreview truncates text to PreviewLength runes, collapsing newlines
func ClampPreview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength])
}

// DeriveTitle builds a display title from the first user message
func DeriveTitle(firstUserMessage string) string {
	title := strings.Join(strings.Fields(firstUserMessage), " ")
	if title == "" {
		return DefaultSessionTitle
	}
	const maxDerived = 60
	if utf8.RuneCountInString(title) > maxDerived {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:maxDerived])) + "…"
	}
	return title
}
