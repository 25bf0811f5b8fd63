package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// ErrNothingToWipe is returned when a wipe target is nil.
var ErrNothingToWipe = errors.New("nothing to wipe")

// SecureWipe overwrites key material in place with zeros.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNothingToWipe
	}

	// The compare keeps the zero buffer live so the copy is not elided.
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes is SecureWipe for callers holding possibly nil buffers.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeCipherState zeroes the key, the initial IV and the running IV of cs.
func WipeCipherState(cs *CipherState) error {
	if cs == nil {
		return ErrNothingToWipe
	}
	for _, b := range [][]byte{cs.Key[:], cs.IV[:], cs.IVChange[:]} {
		ZeroBytes(b)
	}
	return nil
}
