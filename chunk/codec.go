// Package chunk implements the chunk codec: part sizing, part counting,
// padding, per-part encryption and path fingerprints. Everything here is a pure
// function of its inputs.
package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/ellomessenger/transfercore/crypto"
	"github.com/ellomessenger/transfercore/limits"
	"golang.org/x/crypto/blake2b"
)

// Chunk is one part of a file as read from disk.
type Chunk struct {
	Part    int
	Offset  int64
	Payload []byte
	Final   bool
}

// End returns the offset just past the chunk's plaintext bytes.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Payload))
}

// Sizing holds the tunables that PlanUpload reads.
type Sizing struct {
	MinChunkKB       int
	MinChunkSlowKB   int
	MaxUploadingKB   int
	MaxUploadingSlow int
}

// DefaultSizing returns the protocol defaults from the limits package.
func DefaultSizing() Sizing {
	return Sizing{
		MinChunkKB:       limits.MinUploadChunkKB,
		MinChunkSlowKB:   limits.MinUploadChunkSlowKB,
		MaxUploadingKB:   limits.MaxUploadingKB,
		MaxUploadingSlow: limits.MaxUploadingSlowKB,
	}
}

// Plan is the result of upload sizing.
type Plan struct {
	// ChunkSize is the part size in bytes.
	ChunkSize int
	// MaxRequests is the number of parts that may be in flight.
	MaxRequests int
}

// PlanUpload computes the part size and in-flight budget for a file of
// totalSize bytes under a budget of maxParts parts.
//
// The size in KiB is max(min, ceil(totalSize / (1024*maxParts))); when that
// value does not divide 1024 it is rounded up to the next power of two from 64.
func PlanUpload(totalSize int64, maxParts int, slow bool, s Sizing) Plan {
	if maxParts <= 0 {
		maxParts = limits.UploadMaxParts
	}
	minKB := s.MinChunkKB
	budgetKB := s.MaxUploadingKB
	if slow {
		minKB = s.MinChunkSlowKB
		budgetKB = s.MaxUploadingSlow
	}

	perPart := int64(limits.KB) * int64(maxParts)
	kb := int((totalSize + perPart - 1) / perPart)
	if kb < minKB {
		kb = minKB
	}
	if limits.ChunkAlignmentKB%kb != 0 {
		size := limits.MinPowerOfTwoChunkKB
		for kb > size {
			size *= 2
		}
		kb = size
	}

	maxRequests := budgetKB / kb
	if maxRequests < 1 {
		maxRequests = 1
	}
	return Plan{ChunkSize: kb * limits.KB, MaxRequests: maxRequests}
}

// IsBigFile reports whether a transfer of size bytes uses the big file layout.
// A non-positive threshold selects limits.BigFileThreshold.
func IsBigFile(size int64, forceSmall bool, threshold int64) bool {
	if threshold <= 0 {
		threshold = limits.BigFileThreshold
	}
	return !forceSmall && size > threshold
}

// TotalParts returns the number of parts for a file. With firstPartLater the
// first part is a separate head part (a full chunk for big files, 1 KiB for
// small files) that is uploaded last.
func TotalParts(totalSize int64, chunkSize int, firstPartLater, big bool) int {
	cs := int64(chunkSize)
	if !firstPartLater {
		return int((totalSize + cs - 1) / cs)
	}
	head := int64(limits.SmallFilePartHead)
	if big {
		head = cs
	}
	rest := totalSize - head
	if rest < 0 {
		rest = 0
	}
	return 1 + int((rest+cs-1)/cs)
}

// Pad16 returns how many zero bytes bring n up to the cipher block size.
func Pad16(n int) int {
	if rem := n % limits.CipherBlockSize; rem != 0 {
		return limits.CipherBlockSize - rem
	}
	return 0
}

// EncodePart returns the wire payload for data. Without a cipher state it is a
// copy of data; with one, data is zero-padded to the block size and encrypted
// with the running IV, which advances.
func EncodePart(data []byte, cs *crypto.CipherState) ([]byte, error) {
	if cs == nil {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	out := make([]byte, len(data)+Pad16(len(data)))
	copy(out, data)
	if err := cs.Encrypt(out); err != nil {
		return nil, fmt.Errorf("encrypt part: %w", err)
	}
	return out, nil
}

// PathFingerprint returns the stable checkpoint key for a local path.
func PathFingerprint(path string, encrypted bool) string {
	input := path
	if encrypted {
		input += "enc"
	}
	sum := blake2b.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// LocationFingerprint returns the stable checkpoint key for a remote location.
func LocationFingerprint(location string) string {
	sum := blake2b.Sum256([]byte("dl:" + location))
	return hex.EncodeToString(sum[:])
}
