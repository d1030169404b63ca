// Package auth verifies the session token issued by the external login flow
// and turns it into an authenticated parasite id.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCookieName is the cookie the login flow stores the session token in
const DefaultCookieName = "session"

var (
	ErrNoToken      = errors.New("no session token")
	ErrInvalidToken = errors.New("invalid session token")
)

// Claims carries the parasite id in the standard subject claim
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator validates HS256 session tokens
type Authenticator struct {
	secret     []byte
	cookieName string
}

func NewAuthenticator(secret []byte, cookieName string) *Authenticator {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Authenticator{secret: secret, cookieName: cookieName}
}

// GenerateToken signs a session token for parasiteID. The login flow owns issuance;
// this exists for tooling and tests.
func (a *Authenticator) GenerateToken(parasiteID string, validity time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   parasiteID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	})
	return token.SignedString(a.secret)
}

// Verify returns the parasite id the token was issued for
func (a *Authenticator) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Authenticate reads the token from the session cookie, falling back to a bearer header
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
		return a.Verify(cookie.Value)
	}
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", ErrInvalidToken
		}
		return a.Verify(token)
	}
	return "", ErrNoToken
}
