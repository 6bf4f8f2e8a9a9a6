package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/logx"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport/inmemory"
)

func TestTokenFromMeta(t *testing.T) {
	assert.Equal(t, "abc", TokenFromMeta(map[string]any{MetaKey: "Bearer abc"}))
	assert.Equal(t, "abc", TokenFromMeta(map[string]any{MetaKey: "bearer  abc "}))
	assert.Equal(t, "abc", TokenFromMeta(map[string]any{MetaKey: "abc"}))
	assert.Empty(t, TokenFromMeta(nil))
	assert.Empty(t, TokenFromMeta(map[string]any{MetaKey: 42}))
}

func TestHMACValidator(t *testing.T) {
	v := NewHMACValidator([]byte("secret"), Claims{Issuer: "mcpkit", Audience: "tools"})
	token, err := v.Sign("alice", time.Minute, jwt.MapClaims{"scope": "read write"})
	require.NoError(t, err)

	p, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.HasScope("write"))
	assert.False(t, p.HasScope("admin"))
}

func TestHMACValidatorRejects(t *testing.T) {
	v := NewHMACValidator([]byte("secret"), Claims{Issuer: "mcpkit"})
	ctx := context.Background()

	expired, err := v.Sign("alice", -time.Minute, nil)
	require.NoError(t, err)
	_, err = v.ValidateToken(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	other := NewHMACValidator([]byte("other"), Claims{Issuer: "mcpkit"})
	forged, err := other.Sign("mallory", time.Minute, nil)
	require.NoError(t, err)
	_, err = v.ValidateToken(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewHMACValidator([]byte("secret"), Claims{Issuer: "elsewhere"})
	token, err := wrongIssuer.Sign("alice", time.Minute, nil)
	require.NoError(t, err)
	_, err = v.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.ValidateToken(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestScopesFromList(t *testing.T) {
	p := &Principal{Claims: jwt.MapClaims{"scp": []any{"a", "b", 3}}}
	assert.Equal(t, []string{"a", "b"}, p.Scopes())
}

func jwksServer(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	pub, err := jwk.FromRaw(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	body, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": sub,
		"aud": "tools",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestJWKSValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := jwksServer(t, key, "k1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, err := NewJWKSValidator(ctx, JWKSConfig{URL: srv.URL, Claims: Claims{Audience: "tools"}})
	require.NoError(t, err)

	p, err := v.ValidateToken(ctx, signRS256(t, key, "k1", "bob"))
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Subject)

	_, err = v.ValidateToken(ctx, signRS256(t, key, "unknown", "bob"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = v.ValidateToken(ctx, signRS256(t, other, "k1", "mallory"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWKSValidatorRequiresURL(t *testing.T) {
	_, err := NewJWKSValidator(context.Background(), JWKSConfig{})
	assert.Error(t, err)
}

func TestAuthenticatorOverHandshake(t *testing.T) {
	v := NewHMACValidator([]byte("secret"), Claims{})
	token, err := v.Sign("carol", time.Minute, nil)
	require.NoError(t, err)

	a, b := inmemory.Pipe()
	logger := logx.Discard()
	srv, err := connection.Serve(b, connection.WithLogger(logger), connection.WithAuthenticator(Authenticator(v)))
	require.NoError(t, err)
	client := connection.New(a, connection.RoleClient, connection.WithLogger(logger),
		connection.WithInitializeMeta(BearerMeta(token)))
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		_ = client.Close(context.Background())
		_ = srv.Close(context.Background())
	})

	_, err = client.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, srv.WaitReady(context.Background()))

	p, ok := PrincipalOf(srv)
	require.True(t, ok)
	assert.Equal(t, "carol", p.Subject)

	ctx := ContextWithPrincipal(context.Background(), p)
	got, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestAuthenticatorMissingToken(t *testing.T) {
	auth := Authenticator(NewHMACValidator([]byte("secret"), Claims{}))
	_, err := auth(context.Background(), &protocol.InitializeParams{})
	assert.ErrorIs(t, err, ErrMissingToken)

	a, b := inmemory.Pipe()
	logger := logx.Discard()
	srv, err := connection.Serve(b, connection.WithLogger(logger), connection.WithAuthenticator(auth))
	require.NoError(t, err)
	client := connection.New(a, connection.RoleClient, connection.WithLogger(logger))
	require.NoError(t, client.Start())

	_, err = client.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, connection.IsAuthError(err))
	<-srv.Done()
}
