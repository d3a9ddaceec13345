package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// MaxContentLength bounds a message body in bytes.
const MaxContentLength = 16 * 1024

// ValidateDraft checks a message draft before it reaches a session.
func ValidateDraft(d model.Draft) error {
	if len(d.Content) > MaxContentLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(d.Content) {
		return errors.New("content must be valid UTF-8")
	}
	if d.Type != "" && !d.Type.Valid() {
		return errors.New("unknown message type")
	}
	return nil
}

// ValidateID validates a conversation or user ID.
func ValidateID(id string) error {
	if len(id) == 0 {
		return errors.New("ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("ID must be valid UTF-8")
	}
	return nil
}
