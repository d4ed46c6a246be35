package chat

import (
	"unicode/utf8"

	apperr "github.com/whisper/friendchat/pkg/errors"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateText checks that message text fits the size limits and is valid
// UTF-8. Blank text is handled by the caller before validation.
func ValidateText(text string) error {
	if len(text) > MaxMessageBytes {
		return apperr.ErrMessageTooLong
	}
	if !utf8.ValidString(text) {
		return apperr.ErrMessageInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.ErrMessageTooLong
	}
	return nil
}
