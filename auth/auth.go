// Package auth validates bearer tokens presented during the handshake.
//
// The client sends its token in the initialize request's _meta; the server
// installs Authenticator on its connections, and handlers read the accepted
// Principal back with PrincipalOf or PrincipalFromContext. What a principal
// may do is left to the application.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// MetaKey is the initialize _meta member carrying the token.
const MetaKey = "authorization"

var (
	// ErrMissingToken means the initialize request carried no token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every validation failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the authenticated peer.
type Principal struct {
	Subject string
	Claims  jwt.MapClaims
}

// Scopes returns the space-separated "scope" claim, or the "scp" list.
func (p *Principal) Scopes() []string {
	if s, ok := p.Claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	var out []string
	if list, ok := p.Claims["scp"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// HasScope reports whether scope was granted.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes(), scope)
}

// TokenValidator checks a raw token and returns who it belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

// TokenFromMeta extracts the token from initialize _meta, accepting both
// "Bearer <token>" and a bare token.
func TokenFromMeta(meta map[string]any) string {
	raw, _ := meta[MetaKey].(string)
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	return raw
}

// BearerMeta builds the _meta a client sends to present token.
func BearerMeta(token string) map[string]any {
	return map[string]any{MetaKey: "Bearer " + token}
}

// Authenticator adapts v to a server connection's handshake check. The
// accepted *Principal becomes the connection's identity.
func Authenticator(v TokenValidator) connection.Authenticator {
	return func(ctx context.Context, params *protocol.InitializeParams) (any, error) {
		token := TokenFromMeta(params.Meta)
		if token == "" {
			return nil, ErrMissingToken
		}
		p, err := v.ValidateToken(ctx, token)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// PrincipalOf returns the principal a connection was authenticated as.
func PrincipalOf(conn *connection.Connection) (*Principal, bool) {
	p, ok := conn.Identity().(*Principal)
	return p, ok && p != nil
}

type principalKey struct{}

// ContextWithPrincipal returns a context carrying p.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
