package pelagows

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrUnauthorized indicates a connect attempt the authorizer rejected.
var ErrUnauthorized = errors.New("unauthorized")

// ConnectRequest carries the connect-time request attributes an authorizer
// may inspect.
type ConnectRequest struct {
	ConnectionID string
	Headers      map[string]string
	QueryParams  map[string]string
}

// Policy is the cached authorization result for a connection. It is persisted
// with the connection record so inbound frames skip re-authorization.
type Policy struct {
	UserID string   `json:"userId,omitempty"`
	Schema string   `json:"schema"`
	Scopes []string `json:"scopes,omitempty"`
}

// Authorizer decides whether a connection may be established and produces the
// policy cached for its lifetime.
type Authorizer interface {
	Authorize(ctx context.Context, req ConnectRequest) (*Policy, error)
}

// TokenAuthorizer authorizes connections against a static token map, loaded
// from Secrets Manager at startup.
type TokenAuthorizer struct {
	Tokens map[string]Policy
}

func (a *TokenAuthorizer) Authorize(ctx context.Context, req ConnectRequest) (*Policy, error) {
	token := req.QueryParams["token"]
	if token == "" {
		if h := req.Headers["Authorization"]; strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		return nil, ErrUnauthorized
	}

	for candidate, policy := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			p := policy
			if p.Schema == "" {
				p.Schema = "default"
			}
			return &p, nil
		}
	}
	return nil, ErrUnauthorized
}
