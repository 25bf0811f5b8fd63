package transport

import (
	"errors"
	"sync"

	"github.com/ellomessenger/transfercore/interfaces"
)

// ErrProtocolRejection marks an error returned by the remote for a request
// it understood but refused. RPC implementations wrap it so the monitor can
// separate rejections from network failures.
var ErrProtocolRejection = errors.New("request rejected by remote")

// InstrumentedRPC wraps an RPC and reports every request to a
// NetworkMonitor.
type InstrumentedRPC struct {
	next    interfaces.RPC
	monitor *NetworkMonitor

	mu       sync.Mutex
	inFlight map[interfaces.RequestHandle]struct{}
}

// NewInstrumentedRPC creates an InstrumentedRPC.
func NewInstrumentedRPC(next interfaces.RPC, monitor *NetworkMonitor) *InstrumentedRPC {
	return &InstrumentedRPC{
		next:     next,
		monitor:  monitor,
		inFlight: make(map[interfaces.RequestHandle]struct{}),
	}
}

type pendingRequest struct {
	handle  interfaces.RequestHandle
	known   bool
	settled bool
}

// SendChunkRequest implements interfaces.RPC.
func (r *InstrumentedRPC) SendChunkRequest(req interfaces.Request, onComplete func(interfaces.Response), onError func(error)) interfaces.RequestHandle {
	size := req.Size()
	started := r.monitor.now()
	r.monitor.RecordRequestSent(size)

	// The wrapped RPC may settle the request before its handle is returned.
	p := &pendingRequest{}
	settle := func() {
		r.mu.Lock()
		p.settled = true
		if p.known {
			delete(r.inFlight, p.handle)
		}
		r.mu.Unlock()
	}

	handle := r.next.SendChunkRequest(req,
		func(resp interfaces.Response) {
			settle()
			r.monitor.RecordRequestFinished(size, len(resp.Bytes), r.monitor.now().Sub(started))
			onComplete(resp)
		},
		func(err error) {
			settle()
			if errors.Is(err, ErrProtocolRejection) {
				r.monitor.RecordError("protocol")
			} else {
				r.monitor.RecordError("network")
			}
			onError(err)
		})

	r.mu.Lock()
	p.handle, p.known = handle, true
	if !p.settled {
		r.inFlight[handle] = struct{}{}
	}
	r.mu.Unlock()
	return handle
}

// CancelRequest implements interfaces.RPC.
func (r *InstrumentedRPC) CancelRequest(handle interfaces.RequestHandle) {
	r.mu.Lock()
	delete(r.inFlight, handle)
	r.mu.Unlock()
	r.next.CancelRequest(handle)
}

// InFlight returns the number of requests that have neither completed,
// failed nor been cancelled.
func (r *InstrumentedRPC) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inFlight)
}
