package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier checks bearer credentials before the first start message is
// accepted. Tokens are static and configured as "token:user_id" pairs;
// an empty configuration disables auth and maps every caller to anonymous.
type Verifier struct {
	tokens map[string]string
}

// NewVerifier parses a comma-separated "token:user_id" list.
func NewVerifier(spec string) (*Verifier, error) {
	v := &Verifier{tokens: make(map[string]string)}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return v, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token = strings.TrimSpace(token)
		user = strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid token pair %q, expected token:user_id", pair)
		}
		v.tokens[token] = user
	}
	return v, nil
}

// Enabled reports whether any tokens are configured.
func (v *Verifier) Enabled() bool { return len(v.tokens) > 0 }

// Verify resolves a bearer token to its owner identifier. With auth
// disabled every caller resolves to "anonymous".
func (v *Verifier) Verify(token string) (string, error) {
	if !v.Enabled() {
		return "anonymous", nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	// Compare against every configured token so timing does not reveal
	// which prefixes exist.
	var user string
	found := 0
	for candidate, owner := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			user = owner
			found = 1
		}
	}
	if found == 0 {
		return "", ErrInvalidToken
	}
	return user, nil
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
