package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealNonceSize = 24

// ErrUnsealFailed indicates sealed data that could not be authenticated.
var ErrUnsealFailed = errors.New("unseal failed")

// Sealer protects key material at rest with NaCl secretbox.
type Sealer struct {
	key [KeySize]byte
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: sealing key has %d bytes", ErrInvalidKeyLength, len(key))
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// Seal encrypts and authenticates plaintext. The random nonce is prepended.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [sealNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open authenticates and decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealNonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrUnsealFailed, len(sealed))
	}
	var nonce [sealNonceSize]byte
	copy(nonce[:], sealed[:sealNonceSize])
	out, ok := secretbox.Open(nil, sealed[sealNonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnsealFailed
	}
	return out, nil
}

// Close wipes the sealing key.
func (s *Sealer) Close() {
	ZeroBytes(s.key[:])
}
