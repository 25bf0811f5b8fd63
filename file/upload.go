package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ellomessenger/transfercore/checkpoint"
	"github.com/ellomessenger/transfercore/chunk"
	"github.com/ellomessenger/transfercore/crypto"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/limits"
	"github.com/ellomessenger/transfercore/stage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UploadOptions configures an UploadOperation.
type UploadOptions struct {
	// EstimatedSize is non-zero while the file is still being produced.
	EstimatedSize int64
	// Type is the accounting tag. TransferTypeFile, the zero value, is
	// refined from the file content when the upload opens.
	Type TransferType
	// ForceSmall disables the big file layout.
	ForceSmall bool
	// Premium selects the privileged part budget for very large files.
	Premium bool
}

// UploadResult is the terminal result of a successful upload.
type UploadResult struct {
	FileID int64
	Parts  int
	Name   string
	Big    bool

	Encrypted      bool
	Key            []byte
	IV             []byte
	KeyFingerprint int32
}

// cachedResult remembers a part confirmed ahead of the contiguous prefix.
type cachedResult struct {
	endOffset int64
	iv        []byte
}

// UploadOperation moves one local file to the remote store in chunks.
//
// All state except the atomic state field is confined to the stage queue.
// Public methods post work there and return immediately.
type UploadOperation struct {
	env    *Env
	target TransferTarget
	opts   UploadOptions
	id     string

	state          atomic.Uint32
	startRequested atomic.Bool

	cbMu       sync.Mutex
	onProgress func(done, total int64)
	onFinish   func(UploadResult)
	onFail     func(error)

	// Stage-confined below.
	onTerminal     func()
	generation     uint64
	slow           bool
	file           *os.File
	cursor         int64
	totalSize      int64
	estimatedSize  int64
	availableSize  int64
	big            bool
	chunkSize      int
	maxRequests    int
	totalParts     int
	fileID         int64
	cipher         *crypto.CipherState
	fingerprint    int32
	fp             string
	record         *checkpoint.Record
	currentPart    int
	requestNum     int
	inFlight       int
	requests       map[int]interfaces.RequestHandle
	cached         map[int]cachedResult
	lastSavedPart  int
	lastBoundary   int64
	saveTimes      int
	uploadedBytes  int64
	readBytes      int64
	isLastPart     bool
	nextPartFirst  bool
	firstPartLater bool
	started        bool
}

// NewUploadOperation creates an upload for target. It does nothing until
// Start is called.
func NewUploadOperation(env *Env, target TransferTarget, opts UploadOptions) *UploadOperation {
	op := &UploadOperation{
		env:            env.withDefaults(),
		target:         target,
		opts:           opts,
		id:             uuid.NewString(),
		estimatedSize:  opts.EstimatedSize,
		firstPartLater: opts.EstimatedSize != 0 && !target.Encrypted,
		requests:       make(map[int]interfaces.RequestHandle),
		cached:         make(map[int]cachedResult),
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewUploadOperation",
		"operation_id":   op.id,
		"path":           target.Path,
		"encrypted":      target.Encrypted,
		"estimated_size": opts.EstimatedSize,
		"type":           opts.Type.String(),
	}).Info("Creating upload operation")

	return op
}

// ID returns the operation identifier used in logs and notifications.
func (o *UploadOperation) ID() string { return o.id }

// Path returns the local path being uploaded.
func (o *UploadOperation) Path() string { return o.target.Path }

// State returns the current lifecycle state.
func (o *UploadOperation) State() TransferState {
	return TransferState(o.state.Load())
}

func (o *UploadOperation) setState(s TransferState) {
	o.state.Store(uint32(s))
}

// OnProgress sets a callback invoked with confirmed and total bytes.
func (o *UploadOperation) OnProgress(fn func(done, total int64)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onProgress = fn
}

// OnFinish sets a callback invoked once on success.
func (o *UploadOperation) OnFinish(fn func(UploadResult)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onFinish = fn
}

// OnFail sets a callback invoked once on failure or cancellation.
func (o *UploadOperation) OnFail(fn func(error)) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onFail = fn
}

// Start begins the upload.
func (o *UploadOperation) Start() error {
	if !o.startRequested.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if !o.env.Stage.Post(o.start) {
		return stage.ErrQueueClosed
	}
	return nil
}

func (o *UploadOperation) start() {
	if o.State() != TransferStatePending {
		return
	}
	o.setState(TransferStateRunning)
	o.slow = o.env.isSlow()

	logrus.WithFields(logrus.Fields{
		"function":     "Start",
		"operation_id": o.id,
		"slow_network": o.slow,
	}).Info("Starting upload")

	o.startInitialRequests()
}

func (o *UploadOperation) startInitialRequests() {
	count := o.env.Settings.InitialRequests
	if o.slow {
		count = o.env.Settings.InitialRequestsSlow
	}
	for i := 0; i < count; i++ {
		o.startUploadRequest()
	}
}

// OnNetworkChanged restarts the upload from zero with sizing for the new
// network condition. It is ignored unless the upload is running.
func (o *UploadOperation) OnNetworkChanged(slow bool) {
	if o.State() != TransferStateRunning {
		return
	}
	o.env.Stage.Post(func() {
		if o.State() != TransferStateRunning || o.slow == slow {
			return
		}
		o.slow = slow

		logrus.WithFields(logrus.Fields{
			"function":     "OnNetworkChanged",
			"operation_id": o.id,
			"slow_network": slow,
		}).Info("Network changed, restarting upload")

		o.cancelRequests()
		o.cleanup()

		o.isLastPart = false
		o.nextPartFirst = false
		o.requestNum = 0
		o.currentPart = 0
		o.readBytes = 0
		o.uploadedBytes = 0
		o.saveTimes = 0
		if o.cipher != nil {
			o.cipher.Wipe()
			o.cipher = nil
		}
		o.record = nil
		o.inFlight = 0
		o.lastSavedPart = 0
		o.lastBoundary = 0
		o.firstPartLater = false
		o.cached = make(map[int]cachedResult)
		o.generation++

		o.startInitialRequests()
	})
}

// Cancel stops the upload. The failure callback fires exactly once unless
// the upload already reached a terminal state.
func (o *UploadOperation) Cancel() {
	o.env.Stage.Post(func() {
		if o.State().Terminal() {
			return
		}
		o.setState(TransferStateCancelled)
		o.generation++
		o.cancelRequests()

		logrus.WithFields(logrus.Fields{
			"function":     "Cancel",
			"operation_id": o.id,
			"path":         o.target.Path,
		}).Info("Upload cancelled")

		o.reportFailure(ErrTransferCancelled)
		o.cleanup()
		o.terminated()
	})
}

// CheckNewDataAvailable tells a growing upload how many bytes exist now and,
// once known, the final size.
func (o *UploadOperation) CheckNewDataAvailable(newSize, finalSize int64) {
	o.env.Stage.Post(func() {
		if o.estimatedSize != 0 && finalSize != 0 {
			o.estimatedSize = 0
			o.totalSize = finalSize
			if !o.started {
				o.firstPartLater = false
			}
			if o.file != nil {
				o.calcTotalParts()
				if !o.firstPartLater && o.started {
					o.storeRecord()
				}
			}
		}

		if finalSize > 0 {
			o.availableSize = finalSize
		} else {
			o.availableSize = newSize
		}

		if o.inFlight < o.maxRequests || o.file == nil {
			o.startUploadRequest()
		}
	})
}

func (o *UploadOperation) calcTotalParts() {
	o.totalParts = chunk.TotalParts(o.totalSize, o.chunkSize, o.firstPartLater, o.big)
}

// open prepares the file, sizing, and resumable state. It runs on the first
// request.
func (o *UploadOperation) open() error {
	path, err := ValidateUploadPath(o.target.Path, o.env.Settings.PrivateRoot)
	if err != nil {
		return err
	}
	f, info, err := openRegular(path)
	if err != nil {
		return err
	}
	o.file = f
	if o.opts.Type == TransferTypeFile {
		o.opts.Type = classifyHead(f)
	}

	if o.estimatedSize != 0 {
		o.totalSize = o.estimatedSize
	} else {
		o.totalSize = info.Size()
	}
	if o.totalSize == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	o.big = chunk.IsBigFile(o.totalSize, o.opts.ForceSmall, o.env.Settings.BigFileThreshold)

	maxParts := o.env.Settings.UploadMaxParts
	if o.opts.Premium && o.totalSize > o.env.Settings.PremiumSizeThreshold {
		maxParts = o.env.Settings.UploadMaxPartsPremium
	}
	plan := chunk.PlanUpload(o.totalSize, maxParts, o.slow, o.env.Settings.Sizing)
	o.chunkSize = plan.ChunkSize
	o.maxRequests = plan.MaxRequests
	o.calcTotalParts()
	o.fp = chunk.PathFingerprint(o.target.Path, o.target.Encrypted)

	if !o.resume() {
		if err := o.rewrite(); err != nil {
			return err
		}
	}

	if o.target.Encrypted {
		o.fingerprint = o.cipher.KeyFingerprint()
	}
	o.uploadedBytes = o.readBytes
	o.lastSavedPart = o.currentPart
	o.lastBoundary = o.readBytes / limits.CheckpointBoundary

	if o.firstPartLater {
		if o.big {
			o.cursor = int64(o.chunkSize)
		} else {
			o.cursor = limits.SmallFilePartHead
		}
		o.readBytes = o.cursor
		o.currentPart = 1
	}

	logrus.WithFields(logrus.Fields{
		"function":         "open",
		"operation_id":     o.id,
		"total_size":       o.totalSize,
		"big":              o.big,
		"chunk_size":       o.chunkSize,
		"max_requests":     o.maxRequests,
		"total_parts":      o.totalParts,
		"resumed_at":       o.uploadedBytes,
		"first_part_later": o.firstPartLater,
	}).Info("Upload prepared")
	return nil
}

// resume restores progress from a trusted checkpoint. It returns false when
// the upload must start from zero.
func (o *UploadOperation) resume() bool {
	if o.firstPartLater || o.nextPartFirst || o.estimatedSize != 0 || o.env.Checkpoints == nil {
		return false
	}
	rec, ok := o.env.Checkpoints.Load(o.fp)
	if !ok {
		return false
	}
	now := o.env.TimeProvider.Now()
	if !o.env.Settings.Expiry.Trusted(rec, o.totalSize, o.big, now) {
		logrus.WithFields(logrus.Fields{
			"function":     "resume",
			"operation_id": o.id,
			"record_size":  rec.Size,
			"record_time":  rec.Time,
		}).Debug("Checkpoint not trusted, restarting")
		return false
	}
	confirmed := rec.ConfirmedBytes
	if confirmed <= 0 || confirmed >= o.totalSize || confirmed%int64(o.chunkSize) != 0 {
		return false
	}

	var cs *crypto.CipherState
	if o.target.Encrypted {
		if !rec.HasCipher() {
			return false
		}
		var err error
		if o.big {
			if rec.IVChange == nil {
				return false
			}
			cs, err = crypto.RestoreCipherState(rec.Key, rec.IV, rec.IVChange)
		} else {
			cs, err = crypto.RestoreCipherState(rec.Key, rec.IV, nil)
		}
		if err != nil {
			return false
		}
	}

	parts := int(confirmed / int64(o.chunkSize))
	if !o.big && cs != nil {
		// Replay the running IV over the confirmed prefix without sending it.
		buf := make([]byte, o.chunkSize)
		for p := 0; p < parts; p++ {
			n, err := o.file.ReadAt(buf, int64(p)*int64(o.chunkSize))
			if (err != nil && !errors.Is(err, io.EOF)) || n != o.chunkSize {
				cs.Wipe()
				return false
			}
			if _, err := chunk.EncodePart(buf[:n], cs); err != nil {
				cs.Wipe()
				return false
			}
		}
		crypto.ZeroBytes(buf)
	}

	o.cipher = cs
	o.fileID = rec.RemoteID
	o.record = rec
	o.readBytes = confirmed
	o.cursor = confirmed
	o.currentPart = parts

	logrus.WithFields(logrus.Fields{
		"function":        "resume",
		"operation_id":    o.id,
		"file_id":         o.fileID,
		"confirmed_bytes": confirmed,
		"part":            parts,
	}).Info("Resuming upload from checkpoint")
	return true
}

// rewrite starts from zero with a fresh identifier and key material.
func (o *UploadOperation) rewrite() error {
	if o.target.Encrypted {
		cs, err := crypto.NewCipherState()
		if err != nil {
			return err
		}
		o.cipher = cs
	}
	id, err := randomFileID()
	if err != nil {
		return err
	}
	o.fileID = id
	o.readBytes = 0
	o.cursor = 0
	o.currentPart = 0

	o.record = &checkpoint.Record{
		Time:     o.env.TimeProvider.Now(),
		Size:     o.totalSize,
		RemoteID: o.fileID,
	}
	if !o.nextPartFirst && !o.firstPartLater && o.estimatedSize == 0 {
		o.storeRecord()
	}
	return nil
}

// storeRecord writes the start-of-transfer record and clears confirmed bytes.
func (o *UploadOperation) storeRecord() {
	if o.env.Checkpoints == nil {
		return
	}
	if o.record == nil {
		o.record = &checkpoint.Record{Time: o.env.TimeProvider.Now()}
	}
	o.record.Size = o.totalSize
	o.record.RemoteID = o.fileID
	o.record.ConfirmedBytes = 0
	if o.cipher != nil {
		o.record.Key = append([]byte(nil), o.cipher.Key[:]...)
		o.record.IV = append([]byte(nil), o.cipher.IV[:]...)
		o.record.IVChange = o.cipher.RunningIV()
	}
	o.saveRecord()
}

func (o *UploadOperation) saveRecord() {
	if err := o.env.Checkpoints.Save(o.fp, o.record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "saveRecord",
			"operation_id": o.id,
			"error":        err.Error(),
		}).Warn("Failed to save checkpoint")
	}
}

func (o *UploadOperation) startUploadRequest() {
	if o.State() != TransferStateRunning {
		return
	}
	o.started = true

	if o.file == nil {
		if err := o.open(); err != nil {
			o.fail(err)
			return
		}
	}
	if o.inFlight >= o.maxRequests {
		return
	}
	if o.estimatedSize != 0 && o.readBytes+int64(o.chunkSize) > o.availableSize {
		return
	}

	size := o.chunkSize
	if o.nextPartFirst {
		o.cursor = 0
		if !o.big {
			size = limits.SmallFilePartHead
		}
		o.currentPart = 0
	}
	buf := make([]byte, size)
	n, err := o.file.ReadAt(buf, o.cursor)
	if err != nil && !errors.Is(err, io.EOF) {
		o.fail(fmt.Errorf("read part at %d: %w", o.cursor, err))
		return
	}
	if n == 0 {
		return
	}
	o.cursor += int64(n)

	if o.nextPartFirst || n != o.chunkSize || (o.estimatedSize == 0 && o.totalParts == o.currentPart+1) {
		if o.firstPartLater {
			o.nextPartFirst = true
			o.firstPartLater = false
		} else {
			o.isLastPart = true
		}
	}

	payload, err := chunk.EncodePart(buf[:n], o.cipher)
	if err != nil {
		o.fail(err)
		return
	}
	var ivAfter []byte
	if o.cipher != nil {
		ivAfter = o.cipher.RunningIV()
	}

	part := o.currentPart
	totalParts := o.totalParts
	if o.estimatedSize != 0 {
		totalParts = -1
	}
	req := &interfaces.SaveFilePart{
		FileID:     o.fileID,
		Part:       part,
		TotalParts: totalParts,
		Big:        o.big,
		Bytes:      payload,
	}

	if o.isLastPart && o.nextPartFirst {
		o.nextPartFirst = false
		o.currentPart = o.totalParts - 1
		o.cursor = o.totalSize
	}
	o.readBytes += int64(n)
	endOffset := o.readBytes

	o.currentPart++
	o.inFlight++
	reqNum := o.requestNum
	o.requestNum++
	gen := o.generation
	requestSize := req.Size() + 4

	logrus.WithFields(logrus.Fields{
		"function":     "startUploadRequest",
		"operation_id": o.id,
		"file_id":      o.fileID,
		"part":         part,
		"bytes":        n,
		"in_flight":    o.inFlight,
	}).Debug("Sending part")

	o.requests[reqNum] = o.env.RPC.SendChunkRequest(req,
		func(interfaces.Response) {
			o.env.Stage.Post(func() {
				o.onPartComplete(gen, reqNum, part, n, endOffset, ivAfter, requestSize)
			})
		},
		func(err error) {
			o.env.Stage.Post(func() {
				o.onPartError(gen, reqNum, part, err)
			})
		})
}

func (o *UploadOperation) onPartComplete(gen uint64, reqNum, part, n int, endOffset int64, ivAfter []byte, requestSize int) {
	if gen != o.generation {
		return
	}
	o.env.Stats.AddSentBytes(o.opts.Type, int64(requestSize))
	delete(o.requests, reqNum)
	if o.State() != TransferStateRunning {
		return
	}

	o.uploadedBytes += int64(n)
	total := o.totalSize
	if o.estimatedSize != 0 {
		total = max(o.availableSize, o.estimatedSize)
	}
	o.reportProgress(o.uploadedBytes, total)
	o.inFlight--

	if o.isLastPart && o.inFlight == 0 {
		o.finish()
		return
	}
	if o.inFlight < o.maxRequests {
		if o.estimatedSize == 0 && !o.firstPartLater && !o.nextPartFirst {
			o.advanceCheckpoint(part, endOffset, ivAfter)
		}
		o.startUploadRequest()
	}
}

// advanceCheckpoint moves the contiguous confirmed prefix and persists it
// per the checkpoint policy.
func (o *UploadOperation) advanceCheckpoint(part int, endOffset int64, ivAfter []byte) {
	every := o.env.Settings.CheckpointEvery
	if every < 1 {
		every = 1
	}
	if o.saveTimes >= every {
		o.saveTimes = 0
	}

	if part == o.lastSavedPart {
		o.lastSavedPart++
		offset, iv := endOffset, ivAfter
		for {
			r, ok := o.cached[o.lastSavedPart]
			if !ok {
				break
			}
			offset, iv = r.endOffset, r.iv
			delete(o.cached, o.lastSavedPart)
			o.lastSavedPart++
		}

		save := !o.big && o.saveTimes == 0
		if o.big {
			if boundary := offset / limits.CheckpointBoundary; boundary > o.lastBoundary {
				o.lastBoundary = boundary
				save = true
			}
		}
		if save && o.env.Checkpoints != nil && o.record != nil {
			o.record.ConfirmedBytes = offset
			if iv != nil {
				o.record.IVChange = iv
			}
			o.saveRecord()
		}
	} else {
		o.cached[part] = cachedResult{endOffset: endOffset, iv: ivAfter}
	}
	o.saveTimes++
}

func (o *UploadOperation) onPartError(gen uint64, reqNum, part int, err error) {
	if gen != o.generation {
		return
	}
	delete(o.requests, reqNum)
	if o.State() != TransferStateRunning {
		return
	}
	o.fail(fmt.Errorf("part %d: %w", part, err))
}

func (o *UploadOperation) finish() {
	o.setState(TransferStateCompleted)

	result := UploadResult{
		FileID: o.fileID,
		Parts:  o.currentPart,
		Name:   filepath.Base(o.target.Path),
		Big:    o.big,
	}
	if o.cipher != nil {
		result.Encrypted = true
		result.Key = append([]byte(nil), o.cipher.Key[:]...)
		result.IV = append([]byte(nil), o.cipher.IV[:]...)
		result.KeyFingerprint = o.fingerprint
	}

	logrus.WithFields(logrus.Fields{
		"function":     "finish",
		"operation_id": o.id,
		"file_id":      o.fileID,
		"parts":        result.Parts,
		"bytes":        o.uploadedBytes,
	}).Info("Upload finished")

	o.cleanup()
	o.env.Stats.AddSentItem(o.opts.Type)

	o.cbMu.Lock()
	cb := o.onFinish
	o.cbMu.Unlock()
	if cb != nil {
		cb(result)
	}
	o.env.Notifier.Notify(interfaces.EventUploadFinished, result)
	o.terminated()
}

func (o *UploadOperation) fail(err error) {
	o.setState(TransferStateError)
	o.generation++
	o.cancelRequests()

	logrus.WithFields(logrus.Fields{
		"function":     "fail",
		"operation_id": o.id,
		"path":         o.target.Path,
		"error":        err.Error(),
	}).Error("Upload failed")

	o.reportFailure(err)
	o.cleanup()
	o.terminated()
}

func (o *UploadOperation) terminated() {
	if o.onTerminal != nil {
		fn := o.onTerminal
		o.onTerminal = nil
		fn()
	}
}

func (o *UploadOperation) reportProgress(done, total int64) {
	o.cbMu.Lock()
	cb := o.onProgress
	o.cbMu.Unlock()
	if cb != nil {
		cb(done, total)
	}
	o.env.Notifier.Notify(interfaces.EventUploadProgress, interfaces.Progress{
		OperationID: o.id,
		Key:         o.target.Path,
		Done:        done,
		Total:       total,
	})
}

// reportFailure publishes failures and cancellations through the same
// channel with the same payload.
func (o *UploadOperation) reportFailure(err error) {
	o.cbMu.Lock()
	cb := o.onFail
	o.cbMu.Unlock()
	if cb != nil {
		cb(err)
	}
	o.env.Notifier.Notify(interfaces.EventUploadFailed, interfaces.Progress{
		OperationID: o.id,
		Key:         o.target.Path,
		Done:        o.uploadedBytes,
		Total:       o.totalSize,
	})
}

func (o *UploadOperation) cancelRequests() {
	for _, h := range o.requests {
		o.env.RPC.CancelRequest(h)
	}
	o.requests = make(map[int]interfaces.RequestHandle)
}

// cleanup deletes the checkpoint and releases the file handle.
func (o *UploadOperation) cleanup() {
	if o.env.Checkpoints != nil && o.fp != "" {
		if err := o.env.Checkpoints.Delete(o.fp); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "cleanup",
				"operation_id": o.id,
				"error":        err.Error(),
			}).Warn("Failed to delete checkpoint")
		}
	}
	if o.file != nil {
		if err := o.file.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "cleanup",
				"operation_id": o.id,
				"error":        err.Error(),
			}).Warn("Failed to close file handle")
		}
		o.file = nil
	}
	if o.cipher != nil && o.State().Terminal() {
		o.cipher.Wipe()
	}
}
