package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"billbook/internal/domain"
)

// MinSecretLength is the shortest AUTH_SECRET accepted.
const MinSecretLength = 32

// AuthManager verifies identity-provider tokens and issues CSRF tokens.
// The IdP signs HS256 tokens with the shared AUTH_SECRET; the CSRF key is
// derived from the same secret so every instance agrees on it.
type AuthManager struct {
	jwtKey  []byte
	csrfKey []byte
	issuer  string
	now     func() time.Time
}

type identityClaims struct {
	jwtlib.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

func NewAuthManager(secret string, issuer string) (*AuthManager, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth secret must be at least %d characters", MinSecretLength)
	}

	csrfKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte("billbook csrf v1")), csrfKey); err != nil {
		return nil, fmt.Errorf("derive csrf key: %w", err)
	}

	return &AuthManager{
		jwtKey:  []byte(secret),
		csrfKey: csrfKey,
		issuer:  strings.TrimSpace(issuer),
		now:     time.Now,
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Identity, error) {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
		jwtlib.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.issuer))
	}

	claims := &identityClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return domain.Identity{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return domain.Identity{}, errors.New("invalid token subject")
	}
	return domain.Identity{
		UserID: sub,
		Email:  strings.TrimSpace(claims.Email),
		Name:   strings.TrimSpace(claims.Name),
	}, nil
}

// IssueToken signs a token the way the identity provider does. Used for
// local development and tests.
func (a *AuthManager) IssueToken(identity domain.Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.now().UTC()
	claims := identityClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
		Email: identity.Email,
		Name:  identity.Name,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.jwtKey)
}

// csrfToken binds a token to the user and an hour bucket.
func (a *AuthManager) csrfToken(userID string, hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfKey)
	fmt.Fprintf(h, "%s|%d", userID, hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *AuthManager) GenerateCSRFToken(userID string) string {
	return a.csrfToken(userID, a.now().UTC().Truncate(time.Hour).Unix())
}

// ValidateCSRFToken accepts tokens from the current or previous hour bucket.
func (a *AuthManager) ValidateCSRFToken(userID string, token string) bool {
	if token == "" || userID == "" {
		return false
	}
	current := a.now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfToken(userID, current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfToken(userID, current-3600)))
}
