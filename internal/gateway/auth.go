package gateway

import (
	"crypto/subtle"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// tokenAuth validates bearer tokens against the single shared token or
// the scoped token map, and checks project scope for scoped tokens.
type tokenAuth struct {
	single string
	scoped map[string][]string // token -> allowed project patterns
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authenticate resolves a bearer token. Returns the project patterns the
// token grants (nil means unrestricted) and whether the token is valid.
// Every configured token is compared in constant time.
func (a *tokenAuth) authenticate(token string) ([]string, bool) {
	valid := false
	var scopes []string

	if a.single != "" && constantTimeEqual(token, a.single) {
		valid = true
	}
	for candidate, projects := range a.scoped {
		if constantTimeEqual(token, candidate) {
			valid = true
			scopes = projects
		}
	}
	return scopes, valid
}

// projectAllowed checks a project id against the token's scope patterns.
// An empty scope list means the token is unrestricted.
func projectAllowed(scopes []string, projectID string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, pattern := range scopes {
		if pattern == "*" {
			return true
		}
		if projectID == "" {
			continue
		}
		if ok, err := doublestar.Match(pattern, projectID); err == nil && ok {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
