package interfaces

// EventKind identifies a notification published through a Notifier.
type EventKind uint8

const (
	// EventUploadProgress carries an UploadProgress payload.
	EventUploadProgress EventKind = iota
	// EventUploadFinished carries the upload result.
	EventUploadFinished
	// EventUploadFailed is published for failures and cancellations alike.
	EventUploadFailed
	// EventDownloadProgress carries a DownloadProgress payload.
	EventDownloadProgress
	// EventDownloadFinished carries the final file path.
	EventDownloadFinished
	// EventDownloadFailed is published for failures and cancellations alike.
	EventDownloadFailed
	// EventStreamStateChanged is published when stream demand for a download changes.
	EventStreamStateChanged
)

// String returns a readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventUploadProgress:
		return "upload_progress"
	case EventUploadFinished:
		return "upload_finished"
	case EventUploadFailed:
		return "upload_failed"
	case EventDownloadProgress:
		return "download_progress"
	case EventDownloadFinished:
		return "download_finished"
	case EventDownloadFailed:
		return "download_failed"
	case EventStreamStateChanged:
		return "stream_state_changed"
	default:
		return "unknown"
	}
}

// Progress is the payload of progress events.
type Progress struct {
	OperationID string
	Key         string
	Done        int64
	Total       int64
}

// StreamState is the payload of EventStreamStateChanged.
type StreamState struct {
	Location string
	// Active is true while at least one stream reader needs the download.
	Active bool
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(kind EventKind, payload interface{})

// Notify implements Notifier.
func (f NotifierFunc) Notify(kind EventKind, payload interface{}) {
	f(kind, payload)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(EventKind, interface{}) {}
