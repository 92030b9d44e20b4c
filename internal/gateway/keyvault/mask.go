package keyvault

import (
	"strings"

	"github.com/mrmushfiq/llm0-router/internal/shared/models"
)

const (
	prefixLen = 4
	suffixLen = 4
	maskFill  = "****"
)

// split returns the displayable ends of a raw key. Keys too short to keep
// a hidden middle reveal nothing.
// Ends are counted in runes so a multi-byte key never splits mid-character.
func split(raw string) (prefix, suffix string) {
	r := []rune(raw)
	if len(r) < prefixLen+suffixLen+4 {
		return "", ""
	}
	return string(r[:prefixLen]), string(r[len(r)-suffixLen:])
}

// Mask renders a raw key for display
func Mask(raw string) string {
	prefix, suffix := split(raw)
	return prefix + maskFill + suffix
}

// MaskCredential renders a stored credential for display
func MaskCredential(c models.CallerCredential) string {
	return c.KeyPrefix + maskFill + c.KeySuffix
}

func normalize(raw string) string {
	return strings.TrimSpace(raw)
}
