package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/ellomessenger/transfercore/checkpoint"
	"github.com/ellomessenger/transfercore/chunk"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrUnknownSize indicates a download whose total size was not declared.
var ErrUnknownSize = errors.New("download size unknown")

// ErrMissingLocation indicates a download without a remote location.
var ErrMissingLocation = errors.New("download location missing")

// ErrShortPart indicates a part response with an unexpected length.
var ErrShortPart = errors.New("unexpected part length")

// StreamListener is told whenever a download writes new bytes.
type StreamListener interface {
	NewDataAvailable()
}

// DownloadOptions configures a DownloadOperation.
type DownloadOptions struct {
	// Type is the accounting tag. It also selects the scheduling lane.
	Type TransferType
}

// DownloadOperation fetches one remote file in chunks into a temporary file
// and renames it to the destination path when every part has arrived.
//
// State, ID, Path, CurrentFile, DownloadedLengthFromOffset and the callback
// setters are safe for concurrent use. Every other method must run on the
// stage queue; Manager takes care of that.
type DownloadOperation struct {
	env      *Env
	target   TransferTarget
	opts     DownloadOptions
	id       string
	fp       string
	tempPath string

	state atomic.Uint32

	cbMu       sync.Mutex
	onProgress func(done, total int64)
	onFinish   func(path string)
	onFail     func(error)

	// Stage-confined below.
	onTerminal    func()
	queue         *PriorityQueue
	priority      int
	generation    uint64
	started       bool
	paused        bool
	streaming     bool
	loadRequested bool
	big           bool
	chunkSize     int
	maxRequests   int
	totalParts    int
	parts         *roaring.Bitmap
	requests      map[int]interfaces.RequestHandle
	cursor        int
	streamCursor  int
	listeners     map[StreamListener]struct{}
	file          *os.File
	record        *checkpoint.Record
	downloaded    int64
	sinceSave     int
	pendingOffset int64
	pendingUrgent bool
}

// NewDownloadOperation creates a download of target.Location into
// target.Path. It does nothing until started.
func NewDownloadOperation(env *Env, target TransferTarget, opts DownloadOptions) *DownloadOperation {
	env = env.withDefaults()
	fp := chunk.LocationFingerprint(target.Location)
	dir := env.Settings.TempDir
	if dir == "" {
		dir = filepath.Dir(target.Path)
	}
	op := &DownloadOperation{
		env:          env,
		target:       target,
		opts:         opts,
		id:           uuid.NewString(),
		fp:           fp,
		tempPath:     filepath.Join(dir, fp+".temp"),
		priority:     PriorityNormal,
		streamCursor: -1,
		requests:     make(map[int]interfaces.RequestHandle),
		listeners:    make(map[StreamListener]struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewDownloadOperation",
		"operation_id": op.id,
		"location":     target.Location,
		"path":         target.Path,
		"size":         target.Size,
		"type":         opts.Type.String(),
	}).Info("Creating download operation")

	return op
}

// ID returns the operation identifier used in logs and notifications.
func (o *DownloadOperation) ID() string { return o.id }

// Path returns the destination path.
func (o *DownloadOperation) Path() string { return o.target.Path }

// Location returns the remote location.
func (o *DownloadOperation) Location() string { return o.target.Location }

// Size returns the total size of the remote file.
func (o *DownloadOperation) Size() int64 { return o.target.Size }

// CurrentFile returns the file that holds downloaded bytes: the temporary
// file while running and the destination once completed.
func (o *DownloadOperation) CurrentFile() string {
	if o.State() == TransferStateCompleted {
		return o.target.Path
	}
	return o.tempPath
}

// State returns the current lifecycle state.
func (o *DownloadOperation) State() TransferState {
	return TransferState(o.state.Load())
}

func (o *DownloadOperation) setState(s TransferState) {
	o.state.Store(uint32(s))
}

// OnProgress sets a callback invoked with downloaded and total bytes.
func (o *DownloadOperation) OnProgress(fn func(done, total int64)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onProgress = fn
}

// OnFinish sets a callback invoked once with the destination path.
func (o *DownloadOperation) OnFinish(fn func(path string)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onFinish = fn
}

// OnFail sets a callback invoked once on failure or cancellation.
func (o *DownloadOperation) OnFail(fn func(error)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onFail = fn
}

// Priority returns the scheduling priority.
func (o *DownloadOperation) Priority() int { return o.priority }

// SetPriority changes the scheduling priority. The owning lane picks it up
// on its next Add.
func (o *DownloadOperation) SetPriority(p int) { o.priority = p }

// WasStarted reports whether the download is running.
func (o *DownloadOperation) WasStarted() bool { return o.started && !o.paused }

// IsPaused reports whether a started download was paused by its lane.
func (o *DownloadOperation) IsPaused() bool { return o.paused }

// Start starts or resumes the download. A non-nil listener is registered
// for new data; with streamPriority the next request is the chunk holding
// streamOffset. It returns false once the download is terminal or could
// not be opened.
func (o *DownloadOperation) Start(listener StreamListener, streamOffset int64, streamPriority bool) bool {
	if o.State().Terminal() {
		return false
	}
	if listener != nil {
		o.addStream(listener, streamOffset, streamPriority)
	}

	switch {
	case !o.started:
		o.started = true
		o.setState(TransferStateRunning)
		if err := o.open(); err != nil {
			o.fail(err)
			return false
		}
		if o.State() == TransferStateCompleted {
			return true
		}
		o.applyPendingStream()
	case o.paused:
		o.paused = false
		o.setState(TransferStateRunning)

		logrus.WithFields(logrus.Fields{
			"function":     "Start",
			"operation_id": o.id,
			"downloaded":   o.downloaded,
		}).Debug("Resuming download")
	}

	o.startRequests()
	return true
}

// addStream registers listener and moves the request cursor to the chunk
// holding offset.
func (o *DownloadOperation) addStream(listener StreamListener, offset int64, streamPriority bool) {
	o.listeners[listener] = struct{}{}
	o.streaming = true
	o.pendingOffset = offset
	o.pendingUrgent = streamPriority
	if o.chunkSize > 0 {
		o.applyPendingStream()
		if o.State() == TransferStateRunning {
			o.startRequests()
		}
	}
}

func (o *DownloadOperation) applyPendingStream() {
	if !o.streaming || o.totalParts == 0 {
		return
	}
	part := int(o.pendingOffset / int64(o.chunkSize))
	if part >= o.totalParts {
		part = o.totalParts - 1
	}
	if o.pendingUrgent {
		o.streamCursor = part
	} else {
		o.cursor = part
	}
}

// RemoveStreamListener stops notifying listener.
func (o *DownloadOperation) RemoveStreamListener(listener StreamListener) {
	delete(o.listeners, listener)
}

func (o *DownloadOperation) hasListeners() bool {
	return len(o.listeners) > 0
}

// Pause stops issuing requests and cancels the in-flight ones. Downloaded
// parts are kept.
func (o *DownloadOperation) Pause() {
	if !o.started || o.paused || o.State().Terminal() {
		return
	}
	o.paused = true
	o.setState(TransferStatePaused)
	o.generation++
	o.cancelRequests()
	o.saveCheckpoint()

	logrus.WithFields(logrus.Fields{
		"function":     "Pause",
		"operation_id": o.id,
		"downloaded":   o.downloaded,
	}).Debug("Download paused")
}

// Cancel stops the download and removes partial data. The failure callback
// fires exactly once unless the download already reached a terminal state.
func (o *DownloadOperation) Cancel() {
	if o.State().Terminal() {
		return
	}
	o.setState(TransferStateCancelled)
	o.generation++
	o.cancelRequests()

	logrus.WithFields(logrus.Fields{
		"function":     "Cancel",
		"operation_id": o.id,
		"location":     o.target.Location,
	}).Info("Download cancelled")

	o.discard()
	o.reportFailure(ErrTransferCancelled)
	o.notifyListeners()
	o.detach()
}

// DownloadedLengthFromOffset returns how many bytes starting at offset are
// on disk, capped at length, and whether the whole file is done. It is safe
// to call from any goroutine except the stage queue itself. An offset at or
// past the end of the file reports io.EOF.
func (o *DownloadOperation) DownloadedLengthFromOffset(offset, length int64) (int64, bool, error) {
	if o.State() == TransferStateCompleted {
		if offset >= o.target.Size {
			return 0, true, io.EOF
		}
		return min(length, o.target.Size-offset), true, nil
	}

	var available int64
	var err error
	if runErr := o.env.Stage.Run(func() {
		available, err = o.availableFrom(offset, length)
	}); runErr != nil {
		return 0, false, runErr
	}
	return available, false, err
}

func (o *DownloadOperation) availableFrom(offset, length int64) (int64, error) {
	if o.target.Size > 0 && offset >= o.target.Size {
		return 0, io.EOF
	}
	if o.parts == nil || o.chunkSize == 0 || offset < 0 {
		return 0, nil
	}
	// Failed and cancelled downloads have removed their temp file.
	if s := o.State(); s == TransferStateError || s == TransferStateCancelled {
		return 0, nil
	}
	chunkSize := int64(o.chunkSize)
	first := uint32(offset / chunkSize)
	if !o.parts.Contains(first) {
		return 0, nil
	}
	last := first
	for int(last)+1 < o.totalParts && o.parts.Contains(last+1) {
		last++
	}
	end := min((int64(last)+1)*chunkSize, o.target.Size)
	return min(end-offset, length), nil
}

// open sizes the download and restores downloaded parts from a trusted
// checkpoint. A destination that already holds the whole file completes
// the operation immediately.
func (o *DownloadOperation) open() error {
	if o.target.Location == "" {
		return ErrMissingLocation
	}
	if o.target.Size <= 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSize, o.target.Location)
	}
	dest, err := ValidatePath(o.target.Path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() && info.Size() == o.target.Size {
		o.finish()
		return nil
	}

	o.big = chunk.IsBigFile(o.target.Size, false, o.env.Settings.BigFileThreshold)
	if o.big || o.streaming {
		o.chunkSize = o.env.Settings.DownloadChunkSizeBig
		o.maxRequests = o.env.Settings.MaxDownloadRequestsBig
	} else {
		o.chunkSize = o.env.Settings.DownloadChunkSize
		o.maxRequests = o.env.Settings.MaxDownloadRequests
	}
	o.totalParts = int((o.target.Size + int64(o.chunkSize) - 1) / int64(o.chunkSize))

	if err := os.MkdirAll(filepath.Dir(o.tempPath), 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	resumed := o.resume()
	flags := os.O_RDWR | os.O_CREATE
	if !resumed {
		flags |= os.O_TRUNC
		o.parts = roaring.New()
		o.downloaded = 0
		id, err := randomFileID()
		if err != nil {
			return err
		}
		o.record = &checkpoint.Record{
			Time:     o.env.TimeProvider.Now(),
			Size:     o.target.Size,
			RemoteID: id,
			PartSize: o.chunkSize,
		}
	}
	f, err := os.OpenFile(o.tempPath, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	o.file = f

	logrus.WithFields(logrus.Fields{
		"function":     "open",
		"operation_id": o.id,
		"big":          o.big,
		"streaming":    o.streaming,
		"chunk_size":   o.chunkSize,
		"max_requests": o.maxRequests,
		"total_parts":  o.totalParts,
		"resumed_at":   o.downloaded,
	}).Info("Download prepared")
	return nil
}

// resume restores the part bitmap from a trusted checkpoint whose temporary
// file still exists.
func (o *DownloadOperation) resume() bool {
	if o.env.Checkpoints == nil {
		return false
	}
	rec, ok := o.env.Checkpoints.Load(o.fp)
	if !ok {
		return false
	}
	now := o.env.TimeProvider.Now()
	if !o.env.Settings.Expiry.Trusted(rec, o.target.Size, o.big, now) || rec.PartSize != o.chunkSize {
		return false
	}
	if info, err := os.Stat(o.tempPath); err != nil || !info.Mode().IsRegular() {
		return false
	}
	parts := roaring.New()
	if len(rec.Parts) > 0 {
		if err := parts.UnmarshalBinary(rec.Parts); err != nil {
			return false
		}
	}
	if !parts.IsEmpty() && int(parts.Maximum()) >= o.totalParts {
		return false
	}

	o.parts = parts
	o.record = rec
	o.downloaded = 0
	it := parts.Iterator()
	for it.HasNext() {
		o.downloaded += int64(o.partLength(int(it.Next())))
	}

	logrus.WithFields(logrus.Fields{
		"function":     "resume",
		"operation_id": o.id,
		"parts":        parts.GetCardinality(),
		"downloaded":   o.downloaded,
	}).Info("Resuming download from checkpoint")
	return true
}

func (o *DownloadOperation) partLength(part int) int {
	rest := o.target.Size - int64(part)*int64(o.chunkSize)
	return int(min(rest, int64(o.chunkSize)))
}

// nextPart picks the next part that is neither downloaded nor requested.
// The stream cursor goes first, then the sequential cursor wrapping around.
func (o *DownloadOperation) nextPart() int {
	free := func(p int) bool {
		_, inFlight := o.requests[p]
		return !inFlight && !o.parts.Contains(uint32(p))
	}
	if o.streamCursor >= 0 {
		for p := o.streamCursor; p < o.totalParts; p++ {
			if free(p) {
				o.streamCursor = p + 1
				return p
			}
		}
		o.streamCursor = -1
	}
	for i := 0; i < o.totalParts; i++ {
		p := (o.cursor + i) % o.totalParts
		if free(p) {
			o.cursor = p + 1
			return p
		}
	}
	return -1
}

func (o *DownloadOperation) startRequests() {
	if o.State() != TransferStateRunning || o.file == nil {
		return
	}
	for len(o.requests) < o.maxRequests {
		part := o.nextPart()
		if part < 0 {
			return
		}
		o.request(part)
	}
}

func (o *DownloadOperation) request(part int) {
	req := &interfaces.GetFilePart{
		Location: o.target.Location,
		Offset:   int64(part) * int64(o.chunkSize),
		Limit:    o.chunkSize,
	}
	gen := o.generation

	logrus.WithFields(logrus.Fields{
		"function":     "request",
		"operation_id": o.id,
		"part":         part,
		"offset":       req.Offset,
		"in_flight":    len(o.requests) + 1,
	}).Debug("Requesting part")

	o.requests[part] = o.env.RPC.SendChunkRequest(req,
		func(resp interfaces.Response) {
			o.env.Stage.Post(func() {
				o.onPartComplete(gen, part, resp.Bytes)
			})
		},
		func(err error) {
			o.env.Stage.Post(func() {
				o.onPartError(gen, part, err)
			})
		})
}

func (o *DownloadOperation) onPartComplete(gen uint64, part int, data []byte) {
	if gen != o.generation {
		return
	}
	delete(o.requests, part)
	if o.State() != TransferStateRunning {
		return
	}

	if want := o.partLength(part); len(data) != want {
		o.fail(fmt.Errorf("%w: part %d got %d bytes, want %d", ErrShortPart, part, len(data), want))
		return
	}
	if _, err := o.file.WriteAt(data, int64(part)*int64(o.chunkSize)); err != nil {
		o.fail(fmt.Errorf("write part %d: %w", part, err))
		return
	}
	o.parts.Add(uint32(part))
	o.downloaded += int64(len(data))
	o.env.Stats.AddReceivedBytes(o.opts.Type, int64(len(data)))
	o.reportProgress()
	o.notifyListeners()

	if o.parts.GetCardinality() == uint64(o.totalParts) {
		o.finish()
		return
	}

	o.sinceSave++
	if o.sinceSave >= max(o.env.Settings.CheckpointEvery, 1) {
		o.saveCheckpoint()
	}
	o.startRequests()
}

func (o *DownloadOperation) onPartError(gen uint64, part int, err error) {
	if gen != o.generation {
		return
	}
	delete(o.requests, part)
	if o.State() != TransferStateRunning {
		return
	}
	o.fail(fmt.Errorf("part %d: %w", part, err))
}

func (o *DownloadOperation) saveCheckpoint() {
	o.sinceSave = 0
	if o.env.Checkpoints == nil || o.record == nil || o.parts == nil {
		return
	}
	data, err := o.parts.ToBytes()
	if err != nil {
		return
	}
	o.record.Parts = data
	o.record.PartSize = o.chunkSize
	o.record.ConfirmedBytes = o.downloaded
	if err := o.env.Checkpoints.Save(o.fp, o.record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "saveCheckpoint",
			"operation_id": o.id,
			"error":        err.Error(),
		}).Warn("Failed to save checkpoint")
	}
}

func (o *DownloadOperation) finish() {
	if o.file != nil {
		err := o.file.Sync()
		if cerr := o.file.Close(); err == nil {
			err = cerr
		}
		o.file = nil
		if err == nil {
			err = os.MkdirAll(filepath.Dir(o.target.Path), 0o755)
		}
		if err == nil {
			err = os.Rename(o.tempPath, o.target.Path)
		}
		if err != nil {
			o.fail(fmt.Errorf("finalize download: %w", err))
			return
		}
	}
	o.deleteCheckpoint()
	o.setState(TransferStateCompleted)
	o.env.Stats.AddReceivedItem(o.opts.Type)

	logrus.WithFields(logrus.Fields{
		"function":     "finish",
		"operation_id": o.id,
		"location":     o.target.Location,
		"path":         o.target.Path,
		"bytes":        o.target.Size,
	}).Info("Download finished")

	o.cbMu.Lock()
	cb := o.onFinish
	o.cbMu.Unlock()
	if cb != nil {
		cb(o.target.Path)
	}
	o.env.Notifier.Notify(interfaces.EventDownloadFinished, o.target.Path)
	o.notifyListeners()
	o.detach()
}

func (o *DownloadOperation) fail(err error) {
	o.setState(TransferStateError)
	o.generation++
	o.cancelRequests()

	logrus.WithFields(logrus.Fields{
		"function":     "fail",
		"operation_id": o.id,
		"location":     o.target.Location,
		"error":        err.Error(),
	}).Error("Download failed")

	o.discard()
	o.reportFailure(err)
	o.notifyListeners()
	o.detach()
}

// discard releases the temporary file and the checkpoint.
func (o *DownloadOperation) discard() {
	if o.file != nil {
		if err := o.file.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "discard",
				"operation_id": o.id,
				"error":        err.Error(),
			}).Warn("Failed to close temp file")
		}
		o.file = nil
		if err := os.Remove(o.tempPath); err != nil && !os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function":     "discard",
				"operation_id": o.id,
				"error":        err.Error(),
			}).Warn("Failed to remove temp file")
		}
	}
	o.deleteCheckpoint()
}

func (o *DownloadOperation) deleteCheckpoint() {
	if o.env.Checkpoints == nil {
		return
	}
	if err := o.env.Checkpoints.Delete(o.fp); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "deleteCheckpoint",
			"operation_id": o.id,
			"error":        err.Error(),
		}).Warn("Failed to delete checkpoint")
	}
}

func (o *DownloadOperation) cancelRequests() {
	for _, h := range o.requests {
		o.env.RPC.CancelRequest(h)
	}
	o.requests = make(map[int]interfaces.RequestHandle)
}

func (o *DownloadOperation) notifyListeners() {
	for l := range o.listeners {
		l.NewDataAvailable()
	}
}

// detach leaves the lane, lets the lane start the next operation and runs
// the owner's terminal hook.
func (o *DownloadOperation) detach() {
	if q := o.queue; q != nil {
		o.queue = nil
		q.Remove(o)
		q.CheckLoadingOperations()
	}
	if fn := o.onTerminal; fn != nil {
		o.onTerminal = nil
		fn()
	}
}

func (o *DownloadOperation) reportProgress() {
	o.cbMu.Lock()
	cb := o.onProgress
	o.cbMu.Unlock()
	if cb != nil {
		cb(o.downloaded, o.target.Size)
	}
	o.env.Notifier.Notify(interfaces.EventDownloadProgress, interfaces.Progress{
		OperationID: o.id,
		Key:         o.target.Location,
		Done:        o.downloaded,
		Total:       o.target.Size,
	})
}

// reportFailure publishes failures and cancellations through the same
// channel with the same payload.
func (o *DownloadOperation) reportFailure(err error) {
	o.cbMu.Lock()
	cb := o.onFail
	o.cbMu.Unlock()
	if cb != nil {
		cb(err)
	}
	o.env.Notifier.Notify(interfaces.EventDownloadFailed, interfaces.Progress{
		OperationID: o.id,
		Key:         o.target.Location,
		Done:        o.downloaded,
		Total:       o.target.Size,
	})
}
