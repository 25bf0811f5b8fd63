package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStreamCancelled is returned by StreamReader after its bridge was
// cancelled.
var ErrStreamCancelled = errors.New("stream cancelled")

// ErrStreamFailed is returned by StreamReader when the download feeding it
// failed.
var ErrStreamFailed = errors.New("stream download failed")

// StreamLoader starts and tracks downloads on behalf of stream bridges.
// Manager implements it.
type StreamLoader interface {
	// LoadStream makes sure a download of target is running and needs the
	// bytes at offset next. Unless preview is set, b counts as demand for
	// the download until RemoveLoadingVideo.
	LoadStream(b *StreamBridge, target TransferTarget, offset int64, preview bool) (*DownloadOperation, error)
	// RemoveLoadingVideo detaches b from the download and releases its
	// demand.
	RemoveLoadingVideo(b *StreamBridge)
}

// StreamBridge lets a sequential reader pull from a file while a download
// fills it. Read blocks until the requested bytes are on disk or the bridge
// is cancelled.
//
// A bridge is reusable: after Cancel, Reset makes it usable for another pass
// over the same file.
type StreamBridge struct {
	loader  StreamLoader
	target  TransferTarget
	preview bool

	mu           sync.Mutex
	op           *DownloadOperation
	canceled     bool
	waiting      bool
	signal       chan struct{}
	lastOffset   int64
	finished     bool
	finishedPath string
}

// NewStreamBridge creates a bridge over target and starts its download.
// Preview bridges never register demand and always re-request their range.
func NewStreamBridge(loader StreamLoader, target TransferTarget, preview bool) (*StreamBridge, error) {
	b := &StreamBridge{
		loader:  loader,
		target:  target,
		preview: preview,
	}
	op, err := loader.LoadStream(b, target, 0, preview)
	if err != nil {
		return nil, err
	}
	b.op = op
	return b, nil
}

// Target returns the file the bridge reads.
func (b *StreamBridge) Target() TransferTarget { return b.target }

// IsPreview reports whether the bridge is a short-lived probe.
func (b *StreamBridge) IsPreview() bool { return b.preview }

// Operation returns the download currently feeding the bridge.
func (b *StreamBridge) Operation() *DownloadOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.op
}

// IsWaitingForLoad reports whether a reader is blocked on missing bytes.
func (b *StreamBridge) IsWaitingForLoad() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}

// IsFinishedLoadingFile reports whether the whole file is on disk.
func (b *StreamBridge) IsFinishedLoadingFile() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// FinishedFilePath returns the destination path once the download finished,
// or "" before that.
func (b *StreamBridge) FinishedFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedPath
}

// Read returns how many bytes starting at offset are available, at most
// length. It blocks until at least one byte is available. Zero means the
// bridge was cancelled, offset is at the end of the file or the download
// failed.
func (b *StreamBridge) Read(offset int64, length int) int {
	if length <= 0 {
		return 0
	}

	var available int64
	for available == 0 {
		b.mu.Lock()
		if b.canceled {
			b.mu.Unlock()
			return 0
		}
		// The signal is armed before checking so a wake-up that lands
		// between the check and the wait is not lost.
		signal := make(chan struct{}, 1)
		b.signal = signal
		op := b.op
		b.mu.Unlock()

		n, finished, err := op.DownloadedLengthFromOffset(offset, int64(length))
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "Read",
					"location": b.target.Location,
					"offset":   offset,
					"error":    err.Error(),
				}).Debug("Stream read interrupted")
			}
			return 0
		}
		available = n
		if finished {
			b.mu.Lock()
			b.finished = true
			b.finishedPath = op.Path()
			b.mu.Unlock()
			if available == 0 {
				return 0
			}
		}
		if available != 0 {
			break
		}

		state := op.State()
		if state == TransferStateError {
			logrus.WithFields(logrus.Fields{
				"function": "Read",
				"location": b.target.Location,
				"offset":   offset,
			}).Debug("Stream download failed")
			return 0
		}
		if state == TransferStatePaused || state == TransferStateCancelled ||
			b.lastOffset != offset || b.preview {
			next, err := b.loader.LoadStream(b, b.target, offset, b.preview)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Read",
					"location": b.target.Location,
					"offset":   offset,
					"error":    err.Error(),
				}).Debug("Stream reload failed")
				return 0
			}
			b.mu.Lock()
			b.op = next
			b.mu.Unlock()
			// Later reads at this offset trust the running download.
			b.lastOffset = offset
		}

		b.mu.Lock()
		if b.canceled {
			b.mu.Unlock()
			// Cancel may have released the bridge before the reload above
			// attached it again.
			b.loader.RemoveLoadingVideo(b)
			return 0
		}
		b.waiting = true
		b.mu.Unlock()

		<-signal

		b.mu.Lock()
		b.waiting = false
		b.mu.Unlock()
	}

	b.lastOffset = offset + available
	return int(available)
}

// NewDataAvailable wakes a blocked reader so it re-checks availability.
func (b *StreamBridge) NewDataAvailable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wake()
}

func (b *StreamBridge) wake() {
	if b.signal == nil {
		return
	}
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Cancel wakes a blocked reader with a zero result and marks the bridge
// cancelled. With removeDemand the bridge is detached from the download and
// its demand released.
func (b *StreamBridge) Cancel(removeDemand bool) {
	b.mu.Lock()
	b.wake()
	release := removeDemand && !b.canceled
	b.canceled = true
	b.mu.Unlock()

	if release {
		b.loader.RemoveLoadingVideo(b)
	}
}

// Reset clears the cancelled flag so the bridge can be reused. The next
// Read attaches the bridge to the download again. Reset must not run
// concurrently with Read.
func (b *StreamBridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = false
	b.lastOffset = -1
}

// IsCancelled reports whether Cancel was called since the last Reset.
func (b *StreamBridge) IsCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled
}

// StreamReader adapts a StreamBridge to io.ReadSeekCloser.
type StreamReader struct {
	bridge *StreamBridge
	offset int64
	file   *os.File
	path   string
}

// NewStreamReader returns a reader positioned at the start of the file.
func NewStreamReader(b *StreamBridge) *StreamReader {
	return &StreamReader{bridge: b}
}

// Read implements io.Reader. It blocks until bytes at the current offset
// are downloaded.
func (r *StreamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	size := r.bridge.target.Size
	if size > 0 && r.offset >= size {
		return 0, io.EOF
	}
	n := r.bridge.Read(r.offset, len(p))
	if n == 0 {
		if r.bridge.IsCancelled() {
			return 0, ErrStreamCancelled
		}
		if r.bridge.Operation().State() == TransferStateError {
			return 0, ErrStreamFailed
		}
		return 0, io.EOF
	}

	if err := r.ensureFile(); err != nil {
		return 0, err
	}
	read, err := r.file.ReadAt(p[:n], r.offset)
	r.offset += int64(read)
	if err != nil && !errors.Is(err, io.EOF) {
		return read, err
	}
	return read, nil
}

// ensureFile opens the file holding the bytes. An open temporary file stays
// readable after the download renames it.
func (r *StreamReader) ensureFile() error {
	path := r.bridge.FinishedFilePath()
	if path == "" {
		path = r.bridge.Operation().CurrentFile()
	}
	if r.file != nil && (r.path == path || r.bridge.FinishedFilePath() == "") {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if r.file != nil {
			return nil
		}
		return fmt.Errorf("open stream file: %w", err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.path = path
	return nil
}

// Seek implements io.Seeker.
func (r *StreamReader) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = r.offset + offset
	case io.SeekEnd:
		next = r.bridge.target.Size + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("seek: negative position %d", next)
	}
	r.offset = next
	return next, nil
}

// Close cancels the bridge, releasing its demand, and closes the file.
func (r *StreamReader) Close() error {
	r.bridge.Cancel(true)
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

var _ io.ReadSeekCloser = (*StreamReader)(nil)
