// Package limits provides centralized transfer size limits.
// This ensures consistent validation across uploads, downloads and streams.
package limits

import (
	"errors"
	"fmt"
)

const (
	// KB is one kibibyte.
	KB = 1024

	// MB is one mebibyte.
	MB = 1024 * KB

	// SmallFilePartHead is the size of the first part of a small file when that
	// part is uploaded last.
	SmallFilePartHead = 1 * KB

	// MinUploadChunkKB is the smallest upload part on a normal network, in KiB.
	MinUploadChunkKB = 128

	// MinUploadChunkSlowKB is the smallest upload part on a slow network, in KiB.
	MinUploadChunkSlowKB = 32

	// MaxUploadChunkKB is the protocol maximum for one uploaded part, in KiB.
	MaxUploadChunkKB = 512

	// ChunkAlignmentKB is the value every upload part size must divide so that
	// resumed offsets stay aligned.
	ChunkAlignmentKB = 1024

	// MinPowerOfTwoChunkKB is where rounding to the next power of two starts.
	MinPowerOfTwoChunkKB = 64

	// MaxUploadingKB is the in-flight byte budget for uploads, in KiB.
	MaxUploadingKB = 2048

	// MaxUploadingSlowKB is the in-flight byte budget on a slow network, in KiB.
	MaxUploadingSlowKB = 32

	// InitialRequests is how many upload requests are issued on start.
	InitialRequests = 8

	// InitialRequestsSlow is how many upload requests are issued on start on a
	// slow network.
	InitialRequestsSlow = 1

	// UploadMaxParts is the part budget for ordinary accounts.
	UploadMaxParts = 4000

	// UploadMaxPartsPremium is the part budget for privileged accounts.
	UploadMaxPartsPremium = 8000

	// DefaultMaxFileSize is the size above which the privileged part budget applies.
	DefaultMaxFileSize = 2000 * MB

	// BigFileThreshold is the size above which uploads and downloads use the
	// big file layout.
	BigFileThreshold = 10 * MB

	// LargeLaneThreshold routes downloads above this size to the large files lane.
	LargeLaneThreshold = 20 * MB

	// CheckpointBoundary is the big file checkpoint granularity.
	CheckpointBoundary = 1 * MB

	// CheckpointEvery is how many completions pass between small file checkpoints.
	CheckpointEvery = 4

	// DownloadChunkSize is the download part size for ordinary files.
	DownloadChunkSize = 512 * KB

	// DownloadChunkSizeBig is the download part size for big files and streams.
	DownloadChunkSizeBig = 1 * MB

	// MaxDownloadRequests is the in-flight download budget for ordinary files.
	MaxDownloadRequests = 4

	// MaxDownloadRequestsBig is the in-flight download budget for big files and streams.
	MaxDownloadRequestsBig = 8

	// CipherBlockSize is the AES block size every encrypted part is padded to.
	CipherBlockSize = 16

	// MaxProcessingBuffer is the absolute maximum for any single part (1MB limit).
	MaxProcessingBuffer = 1 * MB
)

var (
	// ErrChunkEmpty indicates an empty chunk was provided
	ErrChunkEmpty = errors.New("empty chunk")

	// ErrChunkTooLarge indicates chunk exceeds maximum size
	ErrChunkTooLarge = errors.New("chunk too large")

	// ErrChunkMisaligned indicates a chunk size that does not divide the alignment unit
	ErrChunkMisaligned = errors.New("chunk size misaligned")
)

// ValidateChunk validates a chunk against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateChunk(chunk []byte, maxSize int) error {
	if len(chunk) == 0 {
		return ErrChunkEmpty
	}
	if len(chunk) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrChunkTooLarge, len(chunk), maxSize)
	}
	return nil
}

// ValidateProcessingBuffer validates data against the absolute maximum (MaxProcessingBuffer).
// Returns an error with context if the data is empty or exceeds the limit.
func ValidateProcessingBuffer(data []byte) error {
	if len(data) == 0 {
		return ErrChunkEmpty
	}
	if len(data) > MaxProcessingBuffer {
		return fmt.Errorf("%w: buffer size %d exceeds limit %d", ErrChunkTooLarge, len(data), MaxProcessingBuffer)
	}
	return nil
}

// ValidateChunkSizeKB checks that a part size in KiB keeps resumed offsets aligned.
// Sizes up to ChunkAlignmentKB must divide it; larger sizes must be multiples of it.
func ValidateChunkSizeKB(kb int) error {
	if kb <= 0 {
		return fmt.Errorf("%w: %d KiB", ErrChunkMisaligned, kb)
	}
	if kb <= ChunkAlignmentKB && ChunkAlignmentKB%kb != 0 {
		return fmt.Errorf("%w: %d KiB does not divide %d KiB", ErrChunkMisaligned, kb, ChunkAlignmentKB)
	}
	if kb > ChunkAlignmentKB && kb%ChunkAlignmentKB != 0 {
		return fmt.Errorf("%w: %d KiB is not a multiple of %d KiB", ErrChunkMisaligned, kb, ChunkAlignmentKB)
	}
	return nil
}
