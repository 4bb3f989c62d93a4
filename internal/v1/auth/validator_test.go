package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// unverifiedToken builds a header.payload.signature string whose signature
// is garbage. Only PermissiveValidator should accept it.
func unverifiedToken(t *testing.T, payload map[string]interface{}) string {
	t.Helper()
	payloadBytes, err := json.Marshal(payload)
	require.NoError(t, err)
	encoded := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." + encoded + ".fake-signature"
}

func signedToken(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestPermissiveValidatorParsesUnverifiedClaims(t *testing.T) {
	v := &PermissiveValidator{}

	token := unverifiedToken(t, map[string]interface{}{
		"sub":   "user-123",
		"name":  "Ada",
		"email": "ada@example.com",
	})

	claims, err := v.ValidateToken(context.Background(), token)
	assert.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "ada@example.com", claims.Email)
}

func TestPermissiveValidatorFallsBackToGuest(t *testing.T) {
	v := &PermissiveValidator{}

	for _, token := range []string{"", "not-a-jwt", "only.two"} {
		claims, err := v.ValidateToken(context.Background(), token)
		assert.NoError(t, err)
		require.NotNil(t, claims)
		assert.Equal(t, "guest", claims.Subject)
		assert.Equal(t, "Guest", claims.Name)
		assert.Empty(t, claims.Email)
	}
}

func TestPermissiveValidatorPartialClaims(t *testing.T) {
	v := &PermissiveValidator{}

	token := unverifiedToken(t, map[string]interface{}{"sub": "partial-user"})

	claims, err := v.ValidateToken(context.Background(), token)
	assert.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "partial-user", claims.Subject)
	assert.Equal(t, "Guest", claims.Name)
}

func TestSecretValidatorAcceptsSignedToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "inkdeck", "hub")

	token := signedToken(t, testSecret, &Claims{
		Name: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "inkdeck",
			Audience:  jwt.ClaimStrings{"hub"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
}

func TestSecretValidatorRejectsWrongSecret(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	token := signedToken(t, "another-secret-another-secret-32", &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestSecretValidatorRejectsExpiredToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	token := signedToken(t, testSecret, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})

	_, err := v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestSecretValidatorRejectsWrongIssuer(t *testing.T) {
	v := NewSecretValidator(testSecret, "inkdeck", "")

	token := signedToken(t, testSecret, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestSecretValidatorRejectsWrongAudience(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "hub")

	token := signedToken(t, testSecret, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Audience:  jwt.ClaimStrings{"other-service"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	_, err := v.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)
}

func TestSecretValidatorRejectsUnsignedToken(t *testing.T) {
	v := NewSecretValidator(testSecret, "", "")

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), token)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signing method")
}
