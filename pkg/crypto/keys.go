// Package crypto holds the relay's long-lived key material and the three cipher
// paths built on it: per-peer transport encryption, at-rest encryption of stored
// message bodies, and opaque one-shot tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 keys and of every derived symmetric key.
	KeySize = 32

	transportKeyFile = "transport.key"
	storageKeyFile   = "storage.key"
	atRestKeyFile    = "atrest.sealed"
	tokenSecretFile  = "token.secret"

	storageWrapInfo = "parasite-storage-wrap-v1"
)

var (
	// ErrDecrypt is returned when a nonce, ciphertext and key do not belong together.
	ErrDecrypt = errors.New("decryption failed")
	// ErrInvalidKey is returned for keys of the wrong size or low-order peer points.
	ErrInvalidKey = errors.New("invalid key")
	// ErrCorruptKeyMaterial means stored key files exist but cannot be used.
	ErrCorruptKeyMaterial = errors.New("corrupt key material")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// KeyMaterial is everything the relay needs to run its cipher paths.
// It is created once at startup and never rotated while the process runs.
type KeyMaterial struct {
	Transport   KeyPair // key agreement with connected clients
	Storage     KeyPair // wraps AtRestKey on disk
	AtRestKey   []byte
	TokenSecret []byte
}

// Sealed is a nonce plus the AEAD ciphertext it was produced with.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
}

// Service performs all encryption for the relay. It holds no mutable state after
// construction, so it is safe for concurrent use without locking.
type Service struct {
	keys   KeyMaterial
	atRest cipher.AEAD
	token  cipher.AEAD
}

// GenerateKeyPair produces a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	return keyPairFromPrivate(priv)
}

func keyPairFromPrivate(priv []byte) (KeyPair, error) {
	if len(priv) != KeySize {
		return KeyPair{}, fmt.Errorf("%w: private key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyPair{Public: pub, Private: append([]byte(nil), priv...)}, nil
}

// GenerateKeyMaterial creates a complete, independent set of keys.
func GenerateKeyMaterial() (KeyMaterial, error) {
	transport, err := GenerateKeyPair()
	if err != nil {
		return KeyMaterial{}, err
	}
	storage, err := GenerateKeyPair()
	if err != nil {
		return KeyMaterial{}, err
	}

	atRest := make([]byte, KeySize)
	if _, err := rand.Read(atRest); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate at-rest key: %w", err)
	}
	tokenSecret := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(tokenSecret); err != nil {
		return KeyMaterial{}, fmt.Errorf("generate token secret: %w", err)
	}

	return KeyMaterial{
		Transport:   transport,
		Storage:     storage,
		AtRestKey:   atRest,
		TokenSecret: tokenSecret,
	}, nil
}

// NewService validates the key material and builds the ciphers that use it.
func NewService(km KeyMaterial) (*Service, error) {
	if len(km.Transport.Private) != KeySize || len(km.Transport.Public) != KeySize {
		return nil, fmt.Errorf("%w: transport key pair", ErrInvalidKey)
	}
	atRest, err := newGCM(km.AtRestKey)
	if err != nil {
		return nil, fmt.Errorf("at-rest cipher: %w", err)
	}
	token, err := chacha20poly1305.NewX(km.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: token secret: %v", ErrInvalidKey, err)
	}
	return &Service{keys: km, atRest: atRest, token: token}, nil
}

// LoadOrGenerate reads the key files in dir, generating and writing a fresh set
// on first boot. A partial or unreadable set is an error wrapping
// ErrCorruptKeyMaterial; callers must not run without complete key material.
func LoadOrGenerate(dir string) (*Service, error) {
	files := []string{transportKeyFile, storageKeyFile, atRestKeyFile, tokenSecretFile}

	present := 0
	for _, name := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		switch {
		case err == nil:
			present++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("%w: stat %s: %v", ErrCorruptKeyMaterial, name, err)
		}
	}

	switch present {
	case 0:
		km, err := GenerateKeyMaterial()
		if err != nil {
			return nil, err
		}
		if err := writeKeyMaterial(dir, km); err != nil {
			return nil, err
		}
		return NewService(km)
	case len(files):
		km, err := readKeyMaterial(dir)
		if err != nil {
			return nil, err
		}
		return NewService(km)
	default:
		return nil, fmt.Errorf("%w: found %d of %d key files in %s", ErrCorruptKeyMaterial, present, len(files), dir)
	}
}

func writeKeyMaterial(dir string, km KeyMaterial) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	wrapped, err := wrapKey(km.Storage.Public, km.AtRestKey)
	if err != nil {
		return fmt.Errorf("wrap at-rest key: %w", err)
	}

	entries := map[string][]byte{
		transportKeyFile: km.Transport.Private,
		storageKeyFile:   km.Storage.Private,
		atRestKeyFile:    wrapped,
		tokenSecretFile:  km.TokenSecret,
	}
	for name, data := range entries {
		encoded := base64.StdEncoding.EncodeToString(data) + "\n"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(encoded), 0600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func readKeyMaterial(dir string) (KeyMaterial, error) {
	read := func(name string) ([]byte, error) {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptKeyMaterial, name, err)
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptKeyMaterial, name, err)
		}
		return data, nil
	}

	transportPriv, err := read(transportKeyFile)
	if err != nil {
		return KeyMaterial{}, err
	}
	storagePriv, err := read(storageKeyFile)
	if err != nil {
		return KeyMaterial{}, err
	}
	wrapped, err := read(atRestKeyFile)
	if err != nil {
		return KeyMaterial{}, err
	}
	tokenSecret, err := read(tokenSecretFile)
	if err != nil {
		return KeyMaterial{}, err
	}

	transport, err := keyPairFromPrivate(transportPriv)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: %s: %v", ErrCorruptKeyMaterial, transportKeyFile, err)
	}
	storage, err := keyPairFromPrivate(storagePriv)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: %s: %v", ErrCorruptKeyMaterial, storageKeyFile, err)
	}
	atRest, err := unwrapKey(storage.Private, wrapped)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: %s: %v", ErrCorruptKeyMaterial, atRestKeyFile, err)
	}
	if len(tokenSecret) != chacha20poly1305.KeySize {
		return KeyMaterial{}, fmt.Errorf("%w: %s has %d bytes", ErrCorruptKeyMaterial, tokenSecretFile, len(tokenSecret))
	}

	return KeyMaterial{
		Transport:   transport,
		Storage:     storage,
		AtRestKey:   atRest,
		TokenSecret: tokenSecret,
	}, nil
}

// wrapKey seals key to the storage public key.
// Layout: [32-byte ephemeral public key][12-byte nonce][ciphertext+tag]
func wrapKey(recipientPublic, key []byte) ([]byte, error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kek, err := storageWrapKey(ephemeral.Private, recipientPublic, ephemeral.Public)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(kek)

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	sealed, err := seal(aead, key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, KeySize+len(sealed.Nonce)+len(sealed.Ciphertext))
	out = append(out, ephemeral.Public...)
	out = append(out, sealed.Nonce...)
	return append(out, sealed.Ciphertext...), nil
}

func unwrapKey(recipientPrivate, wrapped []byte) ([]byte, error) {
	const nonceSize = 12
	if len(wrapped) < KeySize+nonceSize+16 {
		return nil, fmt.Errorf("wrapped key too short (%d bytes)", len(wrapped))
	}
	ephemeralPublic := wrapped[:KeySize]

	kek, err := storageWrapKey(recipientPrivate, ephemeralPublic, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(kek)

	aead, err := newGCM(kek)
	if err != nil {
		return nil, err
	}
	key, err := open(aead, Sealed{
		Nonce:      wrapped[KeySize : KeySize+nonceSize],
		Ciphertext: wrapped[KeySize+nonceSize:],
	})
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("unwrapped key has %d bytes", len(key))
	}
	return key, nil
}

func storageWrapKey(private, peerPublic, ephemeralPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer zeroBytes(secret)

	info := append([]byte(storageWrapInfo), ephemeralPublic...)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: symmetric key must be %d bytes (got %d)", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal encrypts under a fresh random nonce. Nonces are never derived or counted,
// so two calls never share one.
func seal(aead cipher.AEAD, plaintext []byte) (Sealed, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Sealed{Nonce: nonce, Ciphertext: aead.Seal(nil, nonce, plaintext, nil)}, nil
}

func open(aead cipher.AEAD, s Sealed) ([]byte, error) {
	if len(s.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes (got %d)", ErrDecrypt, aead.NonceSize(), len(s.Nonce))
	}
	if len(s.Ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
