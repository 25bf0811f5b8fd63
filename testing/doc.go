// Package testing provides an in-memory remote file store for deterministic
// testing of transfer operations.
//
// # Overview
//
// SimulatedRemote implements interfaces.RPC without any network. Uploaded
// parts are kept per file identifier and can be reassembled for byte-level
// comparison, and registered locations are served to downloads.
//
// # Completion Modes
//
// In manual mode (the default) requests are queued and nothing completes
// until the test says so:
//
//	remote := testing.NewSimulatedRemote()
//	op.Start()
//	remote.CompleteNext()          // confirm the oldest request
//	remote.FailNext(errRejected)   // reject the next one
//	remote.CompleteAll()           // drain everything that is pending
//
// In automatic mode a worker goroutine completes requests as they arrive,
// optionally after a fixed latency:
//
//	remote := testing.NewSimulatedRemote(testing.WithAutoComplete(5 * time.Millisecond))
//	defer remote.Close()
//
// # Request Log
//
// Every request is recorded. Use Requests to inspect what was sent, for
// example to assert that no part index was uploaded twice, and Assemble to
// rebuild an uploaded file from its parts.
//
// # Thread Safety
//
// All methods on SimulatedRemote are safe for concurrent use. Callbacks are
// never invoked while the internal lock is held.
package testing
