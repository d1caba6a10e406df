package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/plaza/chat-service/internal/apperr"
)

const (
	MaxContentChars = 1000 // counted in runes after trimming
	MaxFrameBytes   = 8192 // largest client frame accepted by the socket layer
)

// NormalizeContent trims surrounding whitespace and checks the remaining
// text is 1..MaxContentChars characters of valid UTF-8.
func NormalizeContent(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", fmt.Errorf("message contains invalid UTF-8: %w", apperr.ErrValidation)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("message is empty: %w", apperr.ErrValidation)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return "", fmt.Errorf("message exceeds %d character limit: %w", MaxContentChars, apperr.ErrValidation)
	}
	return text, nil
}
