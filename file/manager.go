package file

import (
	"fmt"

	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Lane names.
const (
	LaneLargeFiles = "large_files"
	LaneFiles      = "files"
	LaneImages     = "images"
	LaneAudio      = "audio"
)

// UploadCallbacks are attached to an upload before it starts.
type UploadCallbacks struct {
	OnProgress func(done, total int64)
	OnFinish   func(UploadResult)
	OnFail     func(error)
}

// DownloadCallbacks are attached to a download before it is scheduled.
type DownloadCallbacks struct {
	OnProgress func(done, total int64)
	OnFinish   func(path string)
	OnFail     func(error)
}

// Manager owns every transfer of one account. It schedules downloads in
// lanes, starts uploads immediately and tracks stream demand.
//
// Manager methods are safe for concurrent use. They must not be called from
// the stage queue itself.
type Manager struct {
	env         *Env
	unsubscribe func()

	// Stage-confined below.
	lanes      map[string]*PriorityQueue
	uploads    map[string]*UploadOperation
	downloads  map[string]*DownloadOperation
	demand     map[string]map[*StreamBridge]struct{}
	priorities prioritySequence
}

// NewManager creates a manager and subscribes to network changes.
func NewManager(env *Env) *Manager {
	env = env.withDefaults()
	s := env.Settings
	m := &Manager{
		env: env,
		lanes: map[string]*PriorityQueue{
			LaneLargeFiles: NewPriorityQueue(LaneLargeFiles, s.LargeFileLaneWidth),
			LaneFiles:      NewPriorityQueue(LaneFiles, s.FileLaneWidth),
			LaneImages:     NewPriorityQueue(LaneImages, s.ImageLaneWidth),
			LaneAudio:      NewPriorityQueue(LaneAudio, s.AudioLaneWidth),
		},
		uploads:   make(map[string]*UploadOperation),
		downloads: make(map[string]*DownloadOperation),
		demand:    make(map[string]map[*StreamBridge]struct{}),
	}
	if env.Network != nil {
		m.unsubscribe = env.Network.Subscribe(m.OnNetworkChanged)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewManager",
		"large_files": s.LargeFileLaneWidth,
		"files":       s.FileLaneWidth,
		"images":      s.ImageLaneWidth,
		"audio":       s.AudioLaneWidth,
	}).Info("Transfer manager created")
	return m
}

func uploadKey(path string, encrypted bool) string {
	if encrypted {
		return path + "\x00enc"
	}
	return path
}

// UploadFile starts uploading target. A running upload of the same path is
// cancelled first; two uploads of one path never run side by side.
func (m *Manager) UploadFile(target TransferTarget, opts UploadOptions, cb UploadCallbacks) (*UploadOperation, error) {
	op := NewUploadOperation(m.env, target, opts)
	op.OnProgress(cb.OnProgress)
	op.OnFinish(cb.OnFinish)
	op.OnFail(cb.OnFail)

	key := uploadKey(target.Path, target.Encrypted)
	var startErr error
	err := m.env.Stage.Run(func() {
		if prev, ok := m.uploads[key]; ok {
			logrus.WithFields(logrus.Fields{
				"function":     "UploadFile",
				"path":         target.Path,
				"superseded":   prev.ID(),
				"operation_id": op.ID(),
			}).Info("Superseding running upload")
			prev.onTerminal = nil
			prev.Cancel()
		}
		m.uploads[key] = op
		op.onTerminal = func() {
			if m.uploads[key] == op {
				delete(m.uploads, key)
			}
		}
		startErr = op.Start()
	})
	if err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}
	return op, nil
}

// CheckUploadNewDataAvailable forwards growth of a file that is still being
// written to its upload.
func (m *Manager) CheckUploadNewDataAvailable(path string, encrypted bool, newSize, finalSize int64) {
	m.env.Stage.Post(func() {
		if op, ok := m.uploads[uploadKey(path, encrypted)]; ok {
			op.CheckNewDataAvailable(newSize, finalSize)
		}
	})
}

// CancelUpload cancels the upload of path, if any.
func (m *Manager) CancelUpload(path string, encrypted bool) {
	m.env.Stage.Post(func() {
		if op, ok := m.uploads[uploadKey(path, encrypted)]; ok {
			op.Cancel()
		}
	})
}

// Upload returns the running upload of path.
func (m *Manager) Upload(path string, encrypted bool) (*UploadOperation, bool) {
	var op *UploadOperation
	var ok bool
	if err := m.env.Stage.Run(func() {
		op, ok = m.uploads[uploadKey(path, encrypted)]
	}); err != nil {
		return nil, false
	}
	return op, ok
}

// LoadFile schedules a download of target at the given priority. Asking
// again for a location that is already loading reprioritises it.
func (m *Manager) LoadFile(target TransferTarget, level PriorityLevel, opts DownloadOptions, cb DownloadCallbacks) (*DownloadOperation, error) {
	var op *DownloadOperation
	var loadErr error
	err := m.env.Stage.Run(func() {
		op, loadErr = m.loadFileInternal(target, level, opts, nil, 0, false)
		if loadErr != nil {
			return
		}
		op.loadRequested = true
		if cb.OnProgress != nil {
			op.OnProgress(cb.OnProgress)
		}
		if cb.OnFinish != nil {
			op.OnFinish(cb.OnFinish)
		}
		if cb.OnFail != nil {
			op.OnFail(cb.OnFail)
		}
		m.schedule(op)
	})
	if err != nil {
		return nil, err
	}
	return op, loadErr
}

// LoadStream implements StreamLoader. The download runs at stream priority
// and its sequential cursor moves to the chunk holding offset. A regular
// bridge also registers demand for the location. Preview probes register
// none and request that chunk ahead of everything else instead.
func (m *Manager) LoadStream(b *StreamBridge, target TransferTarget, offset int64, preview bool) (*DownloadOperation, error) {
	var op *DownloadOperation
	var loadErr error
	err := m.env.Stage.Run(func() {
		op, loadErr = m.loadFileInternal(target, PriorityLevelStream, DownloadOptions{Type: TransferTypeVideo}, b, offset, preview)
		if loadErr != nil {
			return
		}
		if !preview {
			m.addDemand(b)
		}
		m.schedule(op)
	})
	if err != nil {
		return nil, err
	}
	return op, loadErr
}

func (m *Manager) loadFileInternal(target TransferTarget, level PriorityLevel, opts DownloadOptions, listener StreamListener, offset int64, streamPriority bool) (*DownloadOperation, error) {
	if target.Location == "" {
		return nil, ErrMissingLocation
	}
	if listener != nil {
		level = PriorityLevelStream
	}
	priority := m.priorities.value(level)

	if op, ok := m.downloads[target.Location]; ok {
		op.SetPriority(priority)
		if listener != nil {
			op.addStream(listener, offset, streamPriority)
		}
		return op, nil
	}

	op := NewDownloadOperation(m.env, target, opts)
	op.SetPriority(priority)
	if listener != nil {
		op.addStream(listener, offset, streamPriority)
	}
	lane := m.laneFor(target, opts.Type)
	op.queue = lane
	m.downloads[target.Location] = op
	op.onTerminal = func() {
		if m.downloads[target.Location] == op {
			delete(m.downloads, target.Location)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "loadFileInternal",
		"operation_id": op.ID(),
		"location":     target.Location,
		"lane":         lane.Name(),
		"priority":     priority,
	}).Debug("Download registered")
	return op, nil
}

// schedule re-inserts op into its lane at its current priority and lets the
// lane start what fits.
func (m *Manager) schedule(op *DownloadOperation) {
	if op.queue == nil {
		return
	}
	op.queue.Add(op)
	op.queue.CheckLoadingOperations()
}

func (m *Manager) laneFor(target TransferTarget, t TransferType) *PriorityQueue {
	switch {
	case t == TransferTypeAudio:
		return m.lanes[LaneAudio]
	case t == TransferTypePhoto:
		return m.lanes[LaneImages]
	case target.Size == 0 || target.Size > m.env.Settings.LargeLaneThreshold:
		return m.lanes[LaneLargeFiles]
	default:
		return m.lanes[LaneFiles]
	}
}

// CancelDownload cancels the download of location, if any.
func (m *Manager) CancelDownload(location string) {
	m.env.Stage.Post(func() {
		if op, ok := m.downloads[location]; ok {
			cancelDownload(op)
		}
	})
}

// cancelDownload cancels op through its lane while it is still queued.
func cancelDownload(op *DownloadOperation) {
	if op.queue != nil && op.queue.Contains(op) {
		op.queue.Cancel(op)
		return
	}
	op.Cancel()
}

// Download returns the active download of location.
func (m *Manager) Download(location string) (*DownloadOperation, bool) {
	var op *DownloadOperation
	var ok bool
	if err := m.env.Stage.Run(func() {
		op, ok = m.downloads[location]
	}); err != nil {
		return nil, false
	}
	return op, ok
}

// addDemand records that b needs its location. The first demand publishes
// EventStreamStateChanged.
func (m *Manager) addDemand(b *StreamBridge) {
	location := b.Target().Location
	set, ok := m.demand[location]
	if !ok {
		set = make(map[*StreamBridge]struct{})
		m.demand[location] = set
	}
	if _, ok := set[b]; ok {
		return
	}
	set[b] = struct{}{}
	if len(set) == 1 {
		m.env.Notifier.Notify(interfaces.EventStreamStateChanged, interfaces.StreamState{Location: location, Active: true})
	}
}

// RemoveLoadingVideo implements StreamLoader. It detaches b from the
// download and drops its demand. A download left with no demand, no
// listener and no LoadFile request is cancelled. Calling it again for the
// same bridge is a no-op.
func (m *Manager) RemoveLoadingVideo(b *StreamBridge) {
	location := b.Target().Location
	m.env.Stage.Post(func() {
		op := m.downloads[location]
		if op != nil {
			op.RemoveStreamListener(b)
		}
		if set, ok := m.demand[location]; ok {
			if _, held := set[b]; held {
				delete(set, b)
				if len(set) == 0 {
					delete(m.demand, location)
					m.env.Notifier.Notify(interfaces.EventStreamStateChanged, interfaces.StreamState{Location: location, Active: false})
				}
			}
		}

		if op == nil || len(m.demand[location]) > 0 || op.loadRequested || op.hasListeners() {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":     "RemoveLoadingVideo",
			"operation_id": op.ID(),
			"location":     location,
		}).Info("Last stream reader left, cancelling download")
		cancelDownload(op)
	})
}

// StreamDemand returns how many bridges currently need location.
func (m *Manager) StreamDemand(location string) int {
	var n int
	if err := m.env.Stage.Run(func() { n = len(m.demand[location]) }); err != nil {
		return 0
	}
	return n
}

// OpenStream creates a bridge over target and wraps it in a reader.
func (m *Manager) OpenStream(target TransferTarget) (*StreamReader, error) {
	b, err := NewStreamBridge(m, target, false)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", target.Location, err)
	}
	return NewStreamReader(b), nil
}

// OnNetworkChanged restarts running uploads with sizing for the new network
// condition.
func (m *Manager) OnNetworkChanged(slow bool) {
	m.env.Stage.Post(func() {
		logrus.WithFields(logrus.Fields{
			"function":     "OnNetworkChanged",
			"slow_network": slow,
			"uploads":      len(m.uploads),
		}).Info("Network condition changed")
		for _, op := range m.uploads {
			op.OnNetworkChanged(slow)
		}
	})
}

// LaneStatus describes one lane.
type LaneStatus struct {
	Name      string
	MaxActive int
	Queued    int
	Running   int
}

// Lanes returns the status of every lane ordered by name.
func (m *Manager) Lanes() []LaneStatus {
	var out []LaneStatus
	_ = m.env.Stage.Run(func() {
		for _, name := range []string{LaneAudio, LaneFiles, LaneImages, LaneLargeFiles} {
			q := m.lanes[name]
			ops := q.Operations()
			out = append(out, LaneStatus{
				Name:      name,
				MaxActive: q.MaxActive(),
				Queued:    len(ops),
				Running:   lo.CountBy(ops, func(op Schedulable) bool { return op.WasStarted() }),
			})
		}
	})
	return out
}

// Stats returns a snapshot of transfer accounting.
func (m *Manager) Stats() map[TransferType]TypeStats {
	return m.env.Stats.Snapshot()
}

// Close cancels every transfer and stops listening for network changes.
// The stage queue stays open; its owner closes it.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	_ = m.env.Stage.Run(func() {
		for _, op := range lo.Values(m.uploads) {
			op.onTerminal = nil
			op.Cancel()
		}
		m.uploads = make(map[string]*UploadOperation)
		for _, op := range lo.Values(m.downloads) {
			op.onTerminal = nil
			cancelDownload(op)
		}
		m.downloads = make(map[string]*DownloadOperation)
	})

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Transfer manager closed")
}
