package file

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ellomessenger/transfercore/checkpoint"
	"github.com/ellomessenger/transfercore/chunk"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/limits"
	"github.com/ellomessenger/transfercore/stage"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrOutsidePrivateStorage indicates a path that resolves outside the
// configured private storage root.
var ErrOutsidePrivateStorage = errors.New("path is outside private storage")

// ErrNotRegularFile indicates an upload source that is a directory or device.
var ErrNotRegularFile = errors.New("not a regular file")

// ErrEmptyFile indicates an upload of a file with no bytes and no estimate.
var ErrEmptyFile = errors.New("file is empty")

// ErrTransferCancelled is reported to failure callbacks of cancelled operations.
var ErrTransferCancelled = errors.New("transfer cancelled")

// ErrAlreadyStarted is returned by Start on an operation that was started before.
var ErrAlreadyStarted = errors.New("operation already started")

// TransferState represents the current state of a transfer operation.
type TransferState uint32

const (
	// TransferStatePending indicates the operation is waiting to start.
	TransferStatePending TransferState = iota
	// TransferStateRunning indicates the operation is in progress.
	TransferStateRunning
	// TransferStatePaused indicates the operation is temporarily paused.
	TransferStatePaused
	// TransferStateCompleted indicates the operation has finished successfully.
	TransferStateCompleted
	// TransferStateCancelled indicates the operation was cancelled.
	TransferStateCancelled
	// TransferStateError indicates the operation failed.
	TransferStateError
)

// String returns a readable name for the state.
func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStatePaused:
		return "paused"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCancelled:
		return "cancelled"
	case TransferStateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s TransferState) Terminal() bool {
	return s == TransferStateCompleted || s == TransferStateCancelled || s == TransferStateError
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// TransferTarget identifies a file being moved.
type TransferTarget struct {
	// Path is the stable local path.
	Path string
	// Size is the declared total size, or zero when it is discovered later.
	Size int64
	// Encrypted marks transfers that require end-to-end encryption.
	Encrypted bool
	// Location is the remote location of a download.
	Location string
}

// Settings holds the tunables of transfer operations.
type Settings struct {
	Sizing                chunk.Sizing
	UploadMaxParts        int
	UploadMaxPartsPremium int
	PremiumSizeThreshold  int64
	InitialRequests       int
	InitialRequestsSlow   int
	CheckpointEvery       int
	BigFileThreshold      int64
	Expiry                checkpoint.Policy

	DownloadChunkSize      int
	DownloadChunkSizeBig   int
	MaxDownloadRequests    int
	MaxDownloadRequestsBig int
	LargeLaneThreshold     int64

	LargeFileLaneWidth int
	FileLaneWidth      int
	ImageLaneWidth     int
	AudioLaneWidth     int

	// PrivateRoot, when set, is the directory every upload source must
	// resolve into.
	PrivateRoot string
	// TempDir receives partially downloaded files. Empty means next to the
	// destination.
	TempDir string
}

// DefaultSettings returns the protocol defaults.
func DefaultSettings() Settings {
	return Settings{
		Sizing:                 chunk.DefaultSizing(),
		UploadMaxParts:         limits.UploadMaxParts,
		UploadMaxPartsPremium:  limits.UploadMaxPartsPremium,
		PremiumSizeThreshold:   limits.DefaultMaxFileSize,
		InitialRequests:        limits.InitialRequests,
		InitialRequestsSlow:    limits.InitialRequestsSlow,
		CheckpointEvery:        limits.CheckpointEvery,
		BigFileThreshold:       limits.BigFileThreshold,
		Expiry:                 checkpoint.DefaultPolicy(),
		DownloadChunkSize:      limits.DownloadChunkSize,
		DownloadChunkSizeBig:   limits.DownloadChunkSizeBig,
		MaxDownloadRequests:    limits.MaxDownloadRequests,
		MaxDownloadRequestsBig: limits.MaxDownloadRequestsBig,
		LargeLaneThreshold:     limits.LargeLaneThreshold,
		LargeFileLaneWidth:     2,
		FileLaneWidth:          3,
		ImageLaneWidth:         6,
		AudioLaneWidth:         3,
	}
}

// Env carries the collaborators every operation needs. It replaces global
// registries: one Env is built per account and passed to each operation.
type Env struct {
	Stage        *stage.Queue
	RPC          interfaces.RPC
	Network      interfaces.NetworkOracle
	Checkpoints  *checkpoint.Store
	Notifier     interfaces.Notifier
	Stats        *Stats
	Settings     Settings
	TimeProvider TimeProvider
}

func (e *Env) withDefaults() *Env {
	c := *e
	if c.Notifier == nil {
		c.Notifier = interfaces.NopNotifier{}
	}
	if c.Stats == nil {
		c.Stats = NewStats()
	}
	if c.TimeProvider == nil {
		c.TimeProvider = DefaultTimeProvider{}
	}
	return &c
}

func (e *Env) isSlow() bool {
	if e.Network == nil {
		return false
	}
	return e.Network.IsSlow()
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}
	return cleanedPath, nil
}

// ValidateUploadPath validates path and, when root is set, checks that it
// resolves inside root after following symlinks. With a root the returned
// path is the resolved one, so the file opened is the file checked.
func ValidateUploadPath(path, root string) (string, error) {
	cleaned, err := ValidatePath(path)
	if err != nil {
		return "", err
	}
	if root == "" {
		return cleaned, nil
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve private root: %w", err)
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsidePrivateStorage, path)
	}
	return resolved, nil
}

// openRegular opens path for reading and rejects anything but a regular file.
func openRegular(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRegularFile, path)
	}
	return f, info, nil
}

// randomFileID returns a non-zero random remote file identifier.
func randomFileID() (int64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate file id: %w", err)
		}
		if id := int64(binary.LittleEndian.Uint64(b[:])); id != 0 {
			return id, nil
		}
	}
}
