package file

import (
	"sync"
)

// TransferType tags a transfer for accounting and lane selection.
type TransferType uint8

const (
	// TransferTypeFile is a generic document.
	TransferTypeFile TransferType = iota
	// TransferTypePhoto is an image.
	TransferTypePhoto
	// TransferTypeVideo is a video.
	TransferTypeVideo
	// TransferTypeAudio is a voice message or music file.
	TransferTypeAudio
)

// String returns a readable name for the transfer type.
func (t TransferType) String() string {
	switch t {
	case TransferTypePhoto:
		return "photo"
	case TransferTypeVideo:
		return "video"
	case TransferTypeAudio:
		return "audio"
	default:
		return "file"
	}
}

// TypeStats holds the counters of one transfer type.
type TypeStats struct {
	SentBytes     int64
	ReceivedBytes int64
	SentItems     int64
	ReceivedItems int64
}

// Stats accumulates traffic per transfer type. It is safe for concurrent use.
type Stats struct {
	mu     sync.Mutex
	byType map[TransferType]*TypeStats
}

// NewStats creates empty Stats.
func NewStats() *Stats {
	return &Stats{byType: make(map[TransferType]*TypeStats)}
}

func (s *Stats) entry(t TransferType) *TypeStats {
	e, ok := s.byType[t]
	if !ok {
		e = &TypeStats{}
		s.byType[t] = e
	}
	return e
}

// AddSentBytes records n uploaded bytes.
func (s *Stats) AddSentBytes(t TransferType, n int64) {
	s.mu.Lock()
	s.entry(t).SentBytes += n
	s.mu.Unlock()
}

// AddReceivedBytes records n downloaded bytes.
func (s *Stats) AddReceivedBytes(t TransferType, n int64) {
	s.mu.Lock()
	s.entry(t).ReceivedBytes += n
	s.mu.Unlock()
}

// AddSentItem records one finished upload.
func (s *Stats) AddSentItem(t TransferType) {
	s.mu.Lock()
	s.entry(t).SentItems++
	s.mu.Unlock()
}

// AddReceivedItem records one finished download.
func (s *Stats) AddReceivedItem(t TransferType) {
	s.mu.Lock()
	s.entry(t).ReceivedItems++
	s.mu.Unlock()
}

// Snapshot returns a copy of all counters.
func (s *Stats) Snapshot() map[TransferType]TypeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[TransferType]TypeStats, len(s.byType))
	for t, e := range s.byType {
		out[t] = *e
	}
	return out
}
