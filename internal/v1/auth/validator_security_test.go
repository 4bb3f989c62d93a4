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
)

// startJWKSServer serves a single RSA key under /.well-known/jwks.json the
// way an identity provider would.
func startJWKSServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{
				"keys": []interface{}{key},
			})
			_, _ = w.Write(buf)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	return server, privateKey
}

func newTestJWKSValidator(t *testing.T, server *httptest.Server) *JWKSValidator {
	t.Helper()
	v, err := NewJWKSValidator(context.Background(), server.URL, "test-audience",
		jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return v
}

func TestJWKSValidatorAcceptsSignedToken(t *testing.T) {
	server, privateKey := startJWKSServer(t)
	v := newTestJWKSValidator(t, server)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
		Name: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    server.URL,
			Audience:  jwt.ClaimStrings{"test-audience"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	claims, err := v.ValidateToken(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
}

func TestJWKSValidatorRejectsAlgorithmConfusion(t *testing.T) {
	server, _ := startJWKSServer(t)
	v := newTestJWKSValidator(t, server)

	// An HS256 token naming the RSA key's kid, signed with bytes an
	// attacker could know. It must fail on the signing method, not on
	// signature verification.
	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "test-audience",
		"iss": server.URL,
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestJWKSValidatorRejectsUnknownKid(t *testing.T) {
	server, privateKey := startJWKSServer(t)
	v := newTestJWKSValidator(t, server)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "test-audience",
		"iss": server.URL,
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "rotated-away"
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestJWKSValidatorRejectsMissingKid(t *testing.T) {
	server, privateKey := startJWKSServer(t)
	v := newTestJWKSValidator(t, server)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud": "test-audience",
		"iss": server.URL,
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(privateKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signed)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "kid header not found")
}

func TestJWKSValidatorFailsFastWhenIssuerUnreachable(t *testing.T) {
	server, _ := startJWKSServer(t)
	addr := server.URL
	server.Close()

	_, err := NewJWKSValidator(context.Background(), addr, "test-audience")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch initial JWKS")
}
