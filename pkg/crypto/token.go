package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTokenInvalid is returned for tokens that were not minted with this secret.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for well-formed tokens past their expiry.
	ErrTokenExpired = errors.New("token expired")
)

type tokenClaims struct {
	Subject string `json:"sub"`
	Expires int64  `json:"exp"` // unix ms
}

// MintToken produces an opaque, URL-safe capability for subject that stops
// validating after ttl. Used for password resets and similar one-shot links.
func (s *Service) MintToken(subject string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(tokenClaims{
		Subject: subject,
		Expires: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}

	nonce := make([]byte, s.token.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.token.Seal(nonce, nonce, body, nil)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// OpenToken validates token and returns the subject it was minted for.
func (s *Service) OpenToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrTokenInvalid
	}
	if len(raw) < s.token.NonceSize()+s.token.Overhead() {
		return "", ErrTokenInvalid
	}

	nonce, ciphertext := raw[:s.token.NonceSize()], raw[s.token.NonceSize():]
	body, err := s.token.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrTokenInvalid
	}

	var claims tokenClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return "", ErrTokenInvalid
	}
	if time.Now().UnixMilli() > claims.Expires {
		return "", ErrTokenExpired
	}
	return claims.Subject, nil
}
