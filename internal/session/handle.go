package session

import (
	"strings"

	"github.com/scoreguard/internal/domain"
)

// HandleRule normalizes player handles: trimmed, lower-cased, limited to
// [a-z0-9_-] and bounded in length.
type HandleRule struct {
	MinLength int
	MaxLength int
}

// Sanitize returns the normalized handle or an invalid_handle rejection.
// Nothing beyond trimming and lower-casing is ever corrected.
func (r HandleRule) Sanitize(input string) (string, error) {
	handle := strings.ToLower(strings.TrimSpace(input))
	if len(handle) < r.MinLength || len(handle) > r.MaxLength {
		return "", domain.Reject(domain.ReasonInvalidHandle)
	}
	for i := 0; i < len(handle); i++ {
		c := handle[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return "", domain.Reject(domain.ReasonInvalidHandle)
		}
	}
	return handle, nil
}
