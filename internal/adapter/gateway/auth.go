package gateway

import (
	"crypto/subtle"

	"swarmd/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
func NewStaticTokenAuth(entries []struct {
	Token string
	Name  string
}) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries: make([]authEntry, len(entries)),
	}
	for i, e := range entries {
		a.entries[i] = authEntry{
			token: []byte(e.Token),
			info:  &ClientInfo{Name: e.Name},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.NewDomainError("gateway.auth", domain.ErrPermissionDenied, "invalid token")
}

// AllowAllAuth accepts every connection. Used when the gateway runs
// without an auth section, e.g. bound to loopback during development.
type AllowAllAuth struct{}

// Authenticate always succeeds with an anonymous client identity.
func (AllowAllAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}
