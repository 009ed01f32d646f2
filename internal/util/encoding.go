package util

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxIDLength bounds document ids and session keys accepted by the relay.
const MaxIDLength = 256

var ErrInvalidID = errors.New("invalid identifier")

// NormalizeID returns the NFC form of an identifier taken from a URL or a
// client frame so that visually identical ids map to the same document.
func NormalizeID(s string) string {
	return norm.NFC.String(s)
}

// ValidateID rejects identifiers that cannot be used as storage keys.
func ValidateID(id, label string) error {
	if id == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidID, label)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds maximum length of %d", ErrInvalidID, label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %s contains invalid UTF-8", ErrInvalidID, label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return fmt.Errorf("%w: %s contains forbidden character %q", ErrInvalidID, label, r)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control character", ErrInvalidID, label)
		}
	}
	return nil
}
