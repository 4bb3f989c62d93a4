// Package auth validates connect-time tokens. Three validators cover the
// deployment modes: PermissiveValidator for local development,
// SecretValidator for single-tenant HS256 deployments, and JWKSValidator
// for identity providers that publish their signing keys.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/inkdeck/inkdeck/backend/go/internal/v1/logging"
)

// Claims represents the JWT claims carried by a connect token.
// It embeds jwt.RegisteredClaims and adds the profile fields the hub
// surfaces in logs.
type Claims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// PermissiveValidator accepts every token, including an absent one. It
// decodes the payload without verifying the signature so that client
// identity still reaches the logs. Development use only.
type PermissiveValidator struct{}

func (m *PermissiveValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}

	// Best-effort parse of header.payload.signature; anything else is
	// treated as an anonymous guest.
	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok {
					claims.Subject = sub
				}
				if name, ok := raw["name"].(string); ok {
					claims.Name = name
				}
				if email, ok := raw["email"].(string); ok {
					claims.Email = email
				}
				logging.Debug(ctx, "parsed unverified claims",
					zap.String("subject", claims.Subject),
					zap.String("email", logging.RedactEmail(claims.Email)))
			}
		}
	}

	if claims.Subject == "" {
		claims.Subject = "guest"
	}
	if claims.Name == "" {
		claims.Name = "Guest"
	}
	return claims, nil
}

// SecretValidator verifies HS256 tokens signed with a shared secret.
// Issuer and audience checks apply only when the corresponding value is
// configured.
type SecretValidator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewSecretValidator returns a validator for tokens signed with secret.
func NewSecretValidator(secret, issuer, audience string) *SecretValidator {
	return &SecretValidator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}
}

func (v *SecretValidator) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims to Claims")
	}
	return claims, nil
}

// JWKSValidator verifies RS256-family tokens against a remote JWKS
// endpoint, with key retrieval, issuer verification, and audience checks.
type JWKSValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSValidator creates a validator that fetches signing keys from
// issuer's /.well-known/jwks.json endpoint. The issuer may be a full URL
// or a bare domain. Keys are cached and refreshed hourly; the initial
// fetch runs here so a bad issuer fails at startup. Additional
// jwk.RegisterOption values may be supplied for testability.
func NewJWKSValidator(ctx context.Context, issuer, audience string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	if !strings.Contains(issuer, "://") {
		issuer = "https://" + issuer + "/"
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	// Combine default options with any provided options for testability.
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys for the first time to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		// RSA family only; checked before any key lookup.
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &JWKSValidator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and validates a JWT token string using the cached
// key set, returning its claims if the token is valid.
func (v *JWKSValidator) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims to Claims")
	}
	return claims, nil
}
