package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// The insert notification carries the row as JSON and must stay under the
// 8000 byte pg_notify limit. With control characters rejected no character
// escapes to more than two bytes, so these bounds keep the body under 4096
// bytes on the wire.
const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
)

// ErrInvalidMessage is returned for bodies that can never be stored.
var ErrInvalidMessage = errors.New("chat: invalid message")

// ValidateMessage checks that a trimmed, non-empty message body meets the
// content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: text is empty", ErrInvalidMessage)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			return fmt.Errorf("%w: contains control character %U", ErrInvalidMessage, r)
		}
	}
	return nil
}
