package staging

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxErrorRunes = 500

// ValidationError rejects malformed input before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InsufficientCreditsError carries the amounts needed for an actionable prompt.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d required, %d available", e.Required, e.Available)
}

// sanitizeError strips control characters from vendor text and caps its length
// so it can be stored and shown verbatim.
func sanitizeError(msg string) string {
	msg = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, msg)
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "generation failed"
	}
	if utf8.RuneCountInString(msg) > maxErrorRunes {
		runes := []rune(msg)
		msg = string(runes[:maxErrorRunes-3]) + "..."
	}
	return msg
}
