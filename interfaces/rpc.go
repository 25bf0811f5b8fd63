//go:generate go run go.uber.org/mock/mockgen -source=rpc.go -destination=../mocks/mock_interfaces.go -package=mocks
package interfaces

import "errors"

// ErrKeyNotFound is returned by KeyValueStore.Get for keys that were never
// stored or have been removed.
var ErrKeyNotFound = errors.New("key not found")

// RequestHandle identifies an in-flight request so it can be cancelled.
type RequestHandle uint64

// Request is a single chunk request understood by the RPC layer.
type Request interface {
	// Size returns the approximate encoded size in bytes, used for accounting.
	Size() int
}

// SaveFilePart uploads one part of a file.
type SaveFilePart struct {
	FileID int64
	Part   int
	// TotalParts is -1 when the final size is not known yet.
	TotalParts int
	Big        bool
	Bytes      []byte
}

// Size implements Request.
func (r *SaveFilePart) Size() int {
	// file_id + part + total_parts + length prefix
	return 8 + 4 + 4 + 4 + len(r.Bytes)
}

// GetFilePart downloads Limit bytes of a remote file starting at Offset.
type GetFilePart struct {
	Location string
	Offset   int64
	Limit    int
}

// Size implements Request.
func (r *GetFilePart) Size() int {
	return 4 + len(r.Location) + 8 + 4
}

// Response carries the result of a successful request. Bytes is empty for
// uploads.
type Response struct {
	Bytes []byte
}

// RPC is the transport collaborator. Exactly one of onComplete or onError is
// invoked per request unless the request is cancelled first.
type RPC interface {
	SendChunkRequest(req Request, onComplete func(Response), onError func(error)) RequestHandle
	CancelRequest(handle RequestHandle)
}

// NetworkOracle reports the current network condition.
type NetworkOracle interface {
	IsSlow() bool
	// Subscribe registers fn for condition changes and returns a function
	// that removes the subscription.
	Subscribe(fn func(slow bool)) (unsubscribe func())
}

// KeyValueStore is durable storage for checkpoint records.
type KeyValueStore interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Remove(key string) error
}

// Notifier announces progress and completion to the rest of the application.
type Notifier interface {
	Notify(kind EventKind, payload interface{})
}
