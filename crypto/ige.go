package crypto

import (
	"crypto/aes"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// IVSize is the IGE IV length: one ciphertext block followed by one plaintext block.
const IVSize = 2 * aes.BlockSize

var (
	// ErrInvalidKeyLength indicates a key that is not KeySize bytes.
	ErrInvalidKeyLength = errors.New("invalid key length")

	// ErrInvalidIVLength indicates an IV that is not IVSize bytes.
	ErrInvalidIVLength = errors.New("invalid iv length")

	// ErrNotBlockAligned indicates data that is not a multiple of the AES block size.
	ErrNotBlockAligned = errors.New("data is not a multiple of the block size")
)

func checkIGEArgs(key, iv, data []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidKeyLength, len(key))
	}
	if len(iv) != IVSize {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidIVLength, len(iv))
	}
	if len(data)%aes.BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrNotBlockAligned, len(data))
	}
	return nil
}

// IGEEncrypt encrypts data in place with AES-256-IGE and advances iv so that a
// following call continues the chain.
//
// c[i] = E(p[i] ^ c[i-1]) ^ p[i-1], with c[-1] = iv[:16] and p[-1] = iv[16:].
func IGEEncrypt(key, iv, data []byte) error {
	if err := checkIGEArgs(key, iv, data); err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	var prevCipher, prevPlain, plain, tmp [aes.BlockSize]byte
	copy(prevCipher[:], iv[:aes.BlockSize])
	copy(prevPlain[:], iv[aes.BlockSize:])

	for off := 0; off < len(data); off += aes.BlockSize {
		blk := data[off : off+aes.BlockSize]
		copy(plain[:], blk)
		for i := range tmp {
			tmp[i] = plain[i] ^ prevCipher[i]
		}
		block.Encrypt(tmp[:], tmp[:])
		for i := range blk {
			blk[i] = tmp[i] ^ prevPlain[i]
		}
		copy(prevCipher[:], blk)
		prevPlain = plain
	}

	copy(iv[:aes.BlockSize], prevCipher[:])
	copy(iv[aes.BlockSize:], prevPlain[:])
	ZeroBytes(plain[:])
	ZeroBytes(tmp[:])
	return nil
}

// IGEDecrypt reverses IGEEncrypt in place and advances iv the same way the
// sender's IV advanced.
func IGEDecrypt(key, iv, data []byte) error {
	if err := checkIGEArgs(key, iv, data); err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}

	var prevCipher, prevPlain, cipherBlk, tmp [aes.BlockSize]byte
	copy(prevCipher[:], iv[:aes.BlockSize])
	copy(prevPlain[:], iv[aes.BlockSize:])

	for off := 0; off < len(data); off += aes.BlockSize {
		blk := data[off : off+aes.BlockSize]
		copy(cipherBlk[:], blk)
		for i := range tmp {
			tmp[i] = cipherBlk[i] ^ prevPlain[i]
		}
		block.Decrypt(tmp[:], tmp[:])
		for i := range blk {
			blk[i] = tmp[i] ^ prevCipher[i]
		}
		copy(prevPlain[:], blk)
		prevCipher = cipherBlk
	}

	copy(iv[:aes.BlockSize], prevCipher[:])
	copy(iv[aes.BlockSize:], prevPlain[:])
	ZeroBytes(tmp[:])
	return nil
}
