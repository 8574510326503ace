package dispatch

import (
	"fmt"
	"strings"

	"github.com/ashureev/relay/internal/domain"
)

// UserDomain is the platform suffix appended to bare phone numbers.
const UserDomain = "@c.us"

// NormalizeTarget converts a raw address into the platform's canonical
// form. Addresses that already carry a domain are returned unchanged;
// anything else is reduced to its digits plus UserDomain.
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: target is required", domain.ErrInvalidArgument)
	}
	if strings.Contains(raw, "@") {
		return raw, nil
	}

	var b strings.Builder
	b.Grow(len(raw) + len(UserDomain))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: target %q has no digits", domain.ErrInvalidArgument, raw)
	}
	b.WriteString(UserDomain)
	return b.String(), nil
}
