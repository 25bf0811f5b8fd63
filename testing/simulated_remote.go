package testing

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownLocation is returned for downloads of unregistered locations.
	ErrUnknownLocation = errors.New("unknown remote location")
	// ErrMissingPart is returned by Assemble when a part was never uploaded.
	ErrMissingPart = errors.New("missing part")
)

// RequestRecord describes one request received by the SimulatedRemote.
type RequestRecord struct {
	Handle    interfaces.RequestHandle
	Upload    bool
	FileID    int64
	Part      int
	Total     int
	Location  string
	Offset    int64
	Limit     int
	Size      int
	Cancelled bool
	Failed    bool
	Completed bool
}

type pendingRequest struct {
	handle     interfaces.RequestHandle
	req        interfaces.Request
	onComplete func(interfaces.Response)
	onError    func(error)
}

type remoteFile struct {
	parts map[int][]byte
	total int
}

// Option configures a SimulatedRemote.
type Option func(*SimulatedRemote)

// WithAutoComplete completes every request on a worker goroutine after
// latency.
func WithAutoComplete(latency time.Duration) Option {
	return func(s *SimulatedRemote) {
		s.auto = true
		s.latency = latency
	}
}

// WithFailure makes the remote fail every request for which fn returns a
// non-nil error.
func WithFailure(fn func(req interfaces.Request) error) Option {
	return func(s *SimulatedRemote) {
		s.failure = fn
	}
}

// SimulatedRemote is an in-memory implementation of interfaces.RPC.
type SimulatedRemote struct {
	mu        sync.Mutex
	nextID    interfaces.RequestHandle
	pending   []*pendingRequest
	log       []RequestRecord
	uploads   map[int64]*remoteFile
	downloads map[string][]byte
	failure   func(req interfaces.Request) error

	auto    bool
	latency time.Duration
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewSimulatedRemote creates a remote in manual mode unless
// WithAutoComplete is given.
func NewSimulatedRemote(opts ...Option) *SimulatedRemote {
	s := &SimulatedRemote{
		uploads:   make(map[int64]*remoteFile),
		downloads: make(map[string][]byte),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auto {
		s.wg.Add(1)
		go s.run()
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSimulatedRemote",
		"auto":     s.auto,
		"latency":  s.latency,
	}).Debug("Creating simulated remote")
	return s
}

// PutFile registers data to be served for location.
func (s *SimulatedRemote) PutFile(location string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[location] = append([]byte(nil), data...)
}

// SendChunkRequest implements interfaces.RPC.
func (s *SimulatedRemote) SendChunkRequest(req interfaces.Request, onComplete func(interfaces.Response), onError func(error)) interfaces.RequestHandle {
	s.mu.Lock()
	s.nextID++
	p := &pendingRequest{handle: s.nextID, req: req, onComplete: onComplete, onError: onError}
	s.pending = append(s.pending, p)
	s.log = append(s.log, recordFor(p))
	s.mu.Unlock()

	if s.auto {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return p.handle
}

// CancelRequest implements interfaces.RPC. A cancelled request never
// completes.
func (s *SimulatedRemote) CancelRequest(handle interfaces.RequestHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pending {
		if p.handle == handle {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.markLocked(handle, func(r *RequestRecord) { r.Cancelled = true })
			return
		}
	}
}

// CompleteNext settles the oldest pending request. It returns false when
// nothing is pending.
func (s *SimulatedRemote) CompleteNext() bool {
	p := s.popPending()
	if p == nil {
		return false
	}
	s.settle(p, nil)
	return true
}

// CompleteAll settles pending requests, including ones issued while
// draining, until none remain. It returns how many were settled.
func (s *SimulatedRemote) CompleteAll() int {
	n := 0
	for s.CompleteNext() {
		n++
	}
	return n
}

// CompleteWhere settles the oldest pending request matching fn.
func (s *SimulatedRemote) CompleteWhere(fn func(RequestRecord) bool) bool {
	s.mu.Lock()
	var p *pendingRequest
	for i, cand := range s.pending {
		if fn(recordFor(cand)) {
			p = cand
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if p == nil {
		return false
	}
	s.settle(p, nil)
	return true
}

// FailNext fails the oldest pending request with err.
func (s *SimulatedRemote) FailNext(err error) bool {
	p := s.popPending()
	if p == nil {
		return false
	}
	s.settle(p, err)
	return true
}

// DropPending forgets every pending request without invoking callbacks, as
// if the client process had died.
func (s *SimulatedRemote) DropPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	s.pending = nil
	return n
}

// PendingCount returns the number of unsettled requests.
func (s *SimulatedRemote) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Requests returns a copy of the request log.
func (s *SimulatedRemote) Requests() []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RequestRecord(nil), s.log...)
}

// ClearRequests resets the request log.
func (s *SimulatedRemote) ClearRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

// Assemble concatenates the uploaded parts of fileID in index order. It
// fails if any index below the highest received one is missing.
func (s *SimulatedRemote) Assemble(fileID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.uploads[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: file %d has no parts", ErrMissingPart, fileID)
	}
	indices := make([]int, 0, len(f.parts))
	for i := range f.parts {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var out []byte
	for want, got := range indices {
		if want != got {
			return nil, fmt.Errorf("%w: file %d part %d", ErrMissingPart, fileID, want)
		}
		out = append(out, f.parts[got]...)
	}
	if f.total > 0 && len(indices) != f.total {
		return nil, fmt.Errorf("%w: file %d has %d of %d parts", ErrMissingPart, fileID, len(indices), f.total)
	}
	return out, nil
}

// Close stops the automatic completion worker.
func (s *SimulatedRemote) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
}

func (s *SimulatedRemote) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		}
		for {
			if s.latency > 0 {
				select {
				case <-s.stop:
					return
				case <-time.After(s.latency):
				}
			}
			if !s.CompleteNext() {
				break
			}
		}
	}
}

func (s *SimulatedRemote) popPending() *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p
}

// settle applies p and invokes its callback. A nil err lets the configured
// failure hook and the request itself decide the outcome.
func (s *SimulatedRemote) settle(p *pendingRequest, err error) {
	s.mu.Lock()
	if err == nil && s.failure != nil {
		err = s.failure(p.req)
	}
	var resp interfaces.Response
	if err == nil {
		resp, err = s.applyLocked(p.req)
	}
	if err != nil {
		s.markLocked(p.handle, func(r *RequestRecord) { r.Failed = true })
	} else {
		s.markLocked(p.handle, func(r *RequestRecord) { r.Completed = true })
	}
	s.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "settle",
			"handle":   p.handle,
			"error":    err.Error(),
		}).Debug("Simulated request failed")
		p.onError(err)
		return
	}
	p.onComplete(resp)
}

func (s *SimulatedRemote) applyLocked(req interfaces.Request) (interfaces.Response, error) {
	switch r := req.(type) {
	case *interfaces.SaveFilePart:
		f, ok := s.uploads[r.FileID]
		if !ok {
			f = &remoteFile{parts: make(map[int][]byte)}
			s.uploads[r.FileID] = f
		}
		f.parts[r.Part] = append([]byte(nil), r.Bytes...)
		if r.TotalParts > 0 {
			f.total = r.TotalParts
		}
		return interfaces.Response{}, nil
	case *interfaces.GetFilePart:
		data, ok := s.downloads[r.Location]
		if !ok {
			return interfaces.Response{}, fmt.Errorf("%w: %s", ErrUnknownLocation, r.Location)
		}
		if r.Offset >= int64(len(data)) {
			return interfaces.Response{Bytes: []byte{}}, nil
		}
		end := r.Offset + int64(r.Limit)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		return interfaces.Response{Bytes: append([]byte(nil), data[r.Offset:end]...)}, nil
	default:
		return interfaces.Response{}, fmt.Errorf("unsupported request %T", req)
	}
}

func (s *SimulatedRemote) markLocked(handle interfaces.RequestHandle, fn func(*RequestRecord)) {
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].Handle == handle {
			fn(&s.log[i])
			return
		}
	}
}

func recordFor(p *pendingRequest) RequestRecord {
	rec := RequestRecord{Handle: p.handle, Size: p.req.Size()}
	switch r := p.req.(type) {
	case *interfaces.SaveFilePart:
		rec.Upload = true
		rec.FileID = r.FileID
		rec.Part = r.Part
		rec.Total = r.TotalParts
	case *interfaces.GetFilePart:
		rec.Location = r.Location
		rec.Offset = r.Offset
		rec.Limit = r.Limit
	}
	return rec
}
