package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSConfig configures a JWKSValidator.
type JWKSConfig struct {
	// URL of the JSON Web Key Set. Required.
	URL    string
	Claims Claims
	// RefreshInterval is the minimum time between key set fetches. Defaults to one hour.
	RefreshInterval time.Duration
	HTTPClient      *http.Client
}

// JWKSValidator accepts RSA and ECDSA signed JWTs whose key is published in
// a JWKS document. Unknown key ids trigger one refresh before failing.
type JWKSValidator struct {
	cfg   JWKSConfig
	cache *jwk.Cache
}

// NewJWKSValidator fetches the key set once and keeps it refreshed until
// ctx ends.
func NewJWKSValidator(ctx context.Context, cfg JWKSConfig) (*JWKSValidator, error) {
	if cfg.URL == "" {
		return nil, errors.New("jwks: URL is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.URL, jwk.WithMinRefreshInterval(cfg.RefreshInterval), jwk.WithHTTPClient(cfg.HTTPClient)); err != nil {
		return nil, fmt.Errorf("jwks: failed to register %s: %w", cfg.URL, err)
	}
	if _, err := cache.Refresh(ctx, cfg.URL); err != nil {
		return nil, fmt.Errorf("jwks: initial fetch from %s failed: %w", cfg.URL, err)
	}
	return &JWKSValidator{cfg: cfg, cache: cache}, nil
}

// ValidateToken implements TokenValidator.
func (v *JWKSValidator) ValidateToken(ctx context.Context, token string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		return v.key(ctx, t)
	}, v.cfg.Claims.parserOptions([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"})...)
	return principalFrom(parsed, err)
}

func (v *JWKSValidator) key(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header has no kid")
	}
	set, err := v.cache.Get(ctx, v.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jwks: failed to load key set: %w", err)
	}
	key, found := set.LookupKeyID(kid)
	if !found {
		if set, err = v.cache.Refresh(ctx, v.cfg.URL); err != nil {
			return nil, fmt.Errorf("jwks: key %q not found and refresh failed: %w", kid, err)
		}
		if key, found = set.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("jwks: key %q not found", kid)
		}
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("jwks: unusable key %q: %w", kid, err)
	}
	return raw, nil
}

var _ TokenValidator = (*JWKSValidator)(nil)
