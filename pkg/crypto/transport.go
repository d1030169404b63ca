package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const transportInfo = "parasite-transport-v1"

// SharedKey performs X25519 between private and peerPublic and expands the result
// with HKDF-SHA256 into a symmetric transport key. Both sides of a key agreement
// arrive at the same key.
func SharedKey(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(private))
	}
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(peerPublic))
	}

	secret, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer zeroBytes(secret)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(transportInfo)), key); err != nil {
		return nil, fmt.Errorf("derive transport key: %w", err)
	}
	return key, nil
}

// ValidatePublicKey reports whether pub can be used for key agreement.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return fmt.Errorf("%w: public key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(pub))
	}
	probe := make([]byte, KeySize)
	probe[0] = 9
	if _, err := curve25519.X25519(probe, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// PublicKey returns a copy of the server's transport public key.
func (s *Service) PublicKey() []byte {
	return append([]byte(nil), s.keys.Transport.Public...)
}

// DeriveTransportKey returns the symmetric key shared with the holder of
// peerPublic. It is deterministic per peer key.
func (s *Service) DeriveTransportKey(peerPublic []byte) ([]byte, error) {
	return SharedKey(s.keys.Transport.Private, peerPublic)
}

// EncryptForPeer encrypts plaintext under the key shared with peerPublic.
func (s *Service) EncryptForPeer(plaintext, peerPublic []byte) (Sealed, error) {
	key, err := s.DeriveTransportKey(peerPublic)
	if err != nil {
		return Sealed{}, err
	}
	defer zeroBytes(key)
	return SealWithKey(key, plaintext)
}

// DecryptFromPeer reverses EncryptForPeer. Failures wrap ErrDecrypt or ErrInvalidKey.
func (s *Service) DecryptFromPeer(sealed Sealed, peerPublic []byte) ([]byte, error) {
	key, err := s.DeriveTransportKey(peerPublic)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	return OpenWithKey(key, sealed)
}

// SealWithKey encrypts with an already derived transport key, so callers that
// cache the key per connection skip the X25519 step.
func SealWithKey(key, plaintext []byte) (Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	return seal(aead, plaintext)
}

// OpenWithKey decrypts with an already derived transport key.
func OpenWithKey(key []byte, sealed Sealed) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return open(aead, sealed)
}
