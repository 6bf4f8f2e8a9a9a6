package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims lists the registered claims a validator requires.
type Claims struct {
	Issuer   string
	Audience string
	// Leeway is the clock skew allowed on exp and nbf.
	Leeway time.Duration
}

func (c Claims) parserOptions(methods []string) []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}
	if c.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.Audience))
	}
	if c.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.Leeway))
	}
	return opts
}

// HMACValidator accepts JWTs signed with a shared secret.
type HMACValidator struct {
	secret []byte
	claims Claims
}

// NewHMACValidator returns a validator for HS256/384/512 tokens.
func NewHMACValidator(secret []byte, claims Claims) *HMACValidator {
	return &HMACValidator{secret: secret, claims: claims}
}

// ValidateToken implements TokenValidator.
func (v *HMACValidator) ValidateToken(_ context.Context, token string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.claims.parserOptions([]string{"HS256", "HS384", "HS512"})...)
	return principalFrom(parsed, err)
}

// Sign issues a token for subject, valid for ttl. Extra claims are merged in.
func (v *HMACValidator) Sign(subject string, ttl time.Duration, extra jwt.MapClaims) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if v.claims.Issuer != "" {
		claims["iss"] = v.claims.Issuer
	}
	if v.claims.Audience != "" {
		claims["aud"] = v.claims.Audience
	}
	for k, val := range extra {
		claims[k] = val
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func principalFrom(token *jwt.Token, err error) (*Principal, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	sub, _ := claims.GetSubject()
	return &Principal{Subject: sub, Claims: claims}, nil
}

var _ TokenValidator = (*HMACValidator)(nil)
