package shared

import (
	"errors"
	"unicode"
)

// Sanitization clamps applied to cached actor and object fields.
const (
	MaxSummaryLen  = 500
	MaxNameLen     = 30
	MaxUserNameLen = 30
	MaxContentLen  = 5000
)

// ClampRunes hard-truncates text to at most maxLen runes.
func ClampRunes(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	count := 0
	for i := range text {
		if count == maxLen {
			return text[:i]
		}
		count++
	}
	return text
}

func ValidateHandle(handle string) error {
	if len(handle) == 0 {
		return errors.New("handle cannot be empty")
	}
	for _, c := range handle {
		if unicode.IsUpper(c) {
			return errors.New("handle must not have upper-case letters")
		}
		isWordChar := c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.'
		if !isWordChar {
			return errors.New("handle must only contain letters, digits, '-', '_' and '.'")
		}
	}
	return nil
}
