// Package interfaces defines the contracts between the transfer core and the
// collaborators it does not own: the RPC layer that carries chunk requests, the
// network-condition oracle, durable key-value storage and the application
// notification bus.
//
// # Collaborators
//
// [RPC] sends one chunk request and reports the outcome through exactly one of
// its callbacks. Callbacks may run on any goroutine; operations re-post them onto
// their stage queue before touching state:
//
//	handle := rpc.SendChunkRequest(&interfaces.SaveFilePart{
//	    FileID: fileID,
//	    Part:   part,
//	    Bytes:  payload,
//	}, onComplete, onError)
//	defer rpc.CancelRequest(handle)
//
// [NetworkOracle] reports whether the current network is slow and notifies
// subscribers when that changes.
//
// [KeyValueStore] persists checkpoint records. Get returns [ErrKeyNotFound]
// for absent keys.
//
// [Notifier] is a fire-and-forget announcement channel; the core never reads
// anything back from it.
//
// # Thread Safety
//
// Implementations of all interfaces in this package must be safe for
// concurrent use.
package interfaces
