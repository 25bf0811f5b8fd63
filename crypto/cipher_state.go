package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"fmt"
)

// CipherState holds the key material of one encrypted transfer.
type CipherState struct {
	Key      [KeySize]byte
	IV       [IVSize]byte
	IVChange [IVSize]byte
}

// NewCipherState generates a fresh random key and IV. IVChange starts equal to IV.
func NewCipherState() (*CipherState, error) {
	cs := &CipherState{}
	if _, err := rand.Read(cs.Key[:]); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(cs.IV[:]); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	cs.IVChange = cs.IV
	return cs, nil
}

// RestoreCipherState rebuilds a CipherState from persisted material. A nil
// ivChange restores the running IV to the initial IV.
func RestoreCipherState(key, iv, ivChange []byte) (*CipherState, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidIVLength, len(iv))
	}
	cs := &CipherState{}
	copy(cs.Key[:], key)
	copy(cs.IV[:], iv)
	if ivChange == nil {
		cs.IVChange = cs.IV
		return cs, nil
	}
	if len(ivChange) != IVSize {
		return nil, fmt.Errorf("%w: running iv has %d bytes", ErrInvalidIVLength, len(ivChange))
	}
	copy(cs.IVChange[:], ivChange)
	return cs, nil
}

// Encrypt encrypts data in place with the running IV. data must be block aligned.
func (cs *CipherState) Encrypt(data []byte) error {
	return IGEEncrypt(cs.Key[:], cs.IVChange[:], data)
}

// RunningIV returns a copy of the current running IV.
func (cs *CipherState) RunningIV() []byte {
	out := make([]byte, IVSize)
	copy(out, cs.IVChange[:])
	return out
}

// KeyFingerprint derives the 32-bit key fingerprint: MD5(key‖iv) with byte a
// XORed with byte a+4 for a in 0..3, little-endian.
func (cs *CipherState) KeyFingerprint() int32 {
	var buf [KeySize + IVSize]byte
	copy(buf[:KeySize], cs.Key[:])
	copy(buf[KeySize:], cs.IV[:])
	digest := md5.Sum(buf[:])
	ZeroBytes(buf[:])

	var fp uint32
	for a := 0; a < 4; a++ {
		fp |= uint32(digest[a]^digest[a+4]) << (a * 8)
	}
	return int32(fp)
}

// Clone returns an independent copy.
func (cs *CipherState) Clone() *CipherState {
	c := *cs
	return &c
}

// Wipe zeroes all key material.
func (cs *CipherState) Wipe() {
	_ = WipeCipherState(cs)
}
