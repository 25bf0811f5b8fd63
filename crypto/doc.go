// Package crypto implements the symmetric cryptography used by encrypted
// transfers.
//
// Encrypted uploads transform every part with AES-256 in IGE (infinite garble
// extension) mode. The 32-byte IV is a running value: after each part it holds
// the last ciphertext block followed by the last plaintext block, so the next
// part continues the chain. A [CipherState] keeps three values:
//
//   - Key: the 256-bit AES key, generated once per transfer
//   - IV: the initial 256-bit IV, reported with the upload result
//   - IVChange: the running IV, snapshotted into checkpoints so encryption can
//     resume deterministically from the last confirmed byte
//
// # Encryption
//
//	state, err := crypto.NewCipherState()
//	if err != nil {
//	    return err
//	}
//	defer state.Wipe()
//
//	// data must be a multiple of 16 bytes
//	if err := crypto.IGEEncrypt(state.Key[:], state.IVChange[:], data); err != nil {
//	    return err
//	}
//
// # Fingerprints
//
// [CipherState.KeyFingerprint] folds MD5(key‖iv) into four bytes; receivers use
// it to check that they hold the same key material as the sender.
//
// # Sealing Persisted Key Material
//
// [Sealer] wraps NaCl secretbox so key material written to checkpoint storage
// is never stored in the clear when a sealing key is configured.
//
// # Secure Memory
//
// [SecureWipe] and [ZeroBytes] overwrite key material once an operation
// reaches a terminal state.
package crypto
