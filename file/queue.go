package file

import (
	"math"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// PriorityLevel is the coarse priority a caller asks for.
type PriorityLevel uint8

const (
	// PriorityLevelLow runs only when nothing more important waits.
	PriorityLevelLow PriorityLevel = iota
	// PriorityLevelNormal is the default.
	PriorityLevelNormal
	// PriorityLevelNormalUp is normal priority, newest first.
	PriorityLevelNormalUp
	// PriorityLevelHigh is for downloads the user is waiting on, newest first.
	PriorityLevelHigh
	// PriorityLevelStream is used for every download with a stream reader.
	PriorityLevelStream
)

// Priority values stored on operations. Higher runs first.
const (
	PriorityLow    = 0
	PriorityNormal = 1 << 16
	PriorityHigh   = 1 << 20
	PriorityStream = math.MaxInt32
)

// prioritySequence turns levels into values. Levels that order newest first
// add an increasing sequence number so later requests win ties.
type prioritySequence struct {
	seq int
}

func (s *prioritySequence) value(level PriorityLevel) int {
	switch level {
	case PriorityLevelStream:
		return PriorityStream
	case PriorityLevelHigh:
		s.seq++
		return PriorityHigh + s.seq
	case PriorityLevelNormalUp:
		s.seq++
		return PriorityNormal + s.seq
	case PriorityLevelNormal:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Schedulable is an operation a PriorityQueue can start and pause.
type Schedulable interface {
	Priority() int
	// WasStarted reports whether the operation is started and not paused.
	WasStarted() bool
	// Start starts or resumes the operation. It returns false when the
	// operation can no longer run.
	Start(listener StreamListener, streamOffset int64, streamPriority bool) bool
	Pause()
	Cancel()
}

// PriorityQueue bounds concurrency within one named lane and orders pending
// operations by descending priority.
//
// A PriorityQueue is not safe for concurrent use; it is confined to the
// stage queue like the operations it schedules.
type PriorityQueue struct {
	name      string
	maxActive int
	ops       []Schedulable
}

// NewPriorityQueue creates a lane that runs at most maxActive operations.
func NewPriorityQueue(name string, maxActive int) *PriorityQueue {
	if maxActive < 1 {
		maxActive = 1
	}
	return &PriorityQueue{name: name, maxActive: maxActive}
}

// Name returns the lane name.
func (q *PriorityQueue) Name() string { return q.name }

// MaxActive returns the concurrency budget.
func (q *PriorityQueue) MaxActive() int { return q.maxActive }

// Len returns the number of queued operations.
func (q *PriorityQueue) Len() int { return len(q.ops) }

// Operations returns the queued operations in scheduling order.
func (q *PriorityQueue) Operations() []Schedulable {
	return append([]Schedulable(nil), q.ops...)
}

// Contains reports whether op is queued.
func (q *PriorityQueue) Contains(op Schedulable) bool {
	return lo.Contains(q.ops, op)
}

// Add queues op, replacing any existing entry for it. Operations of equal
// priority keep arrival order.
func (q *PriorityQueue) Add(op Schedulable) {
	if op == nil {
		return
	}
	rest := lo.Without(q.ops, op)
	p := op.Priority()
	_, index, found := lo.FindIndexOf(rest, func(other Schedulable) bool {
		return other.Priority() < p
	})
	if !found {
		index = len(rest)
	}
	q.ops = lo.Splice(rest, index, op)

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"lane":     q.name,
		"priority": p,
		"position": index,
		"queued":   len(q.ops),
	}).Debug("Operation queued")
}

// Remove drops op from the lane without touching it. It is a no-op when op
// is not queued.
func (q *PriorityQueue) Remove(op Schedulable) {
	if op == nil || !lo.Contains(q.ops, op) {
		return
	}
	q.ops = lo.Without(q.ops, op)
}

// Cancel removes op and tells it to cancel itself. It is a no-op when op is
// not queued.
func (q *PriorityQueue) Cancel(op Schedulable) {
	if op == nil || !lo.Contains(q.ops, op) {
		return
	}
	q.ops = lo.Without(q.ops, op)
	op.Cancel()
}

// CheckLoadingOperations starts the first maxActive operations and pauses
// the rest. Once the ordering drops from a higher priority to the lowest
// tier, every following operation is paused even if slots are free.
func (q *PriorityQueue) CheckLoadingOperations() {
	var toStart []Schedulable
	pauseAllFollowing := false
	lastPriority := 0

	for i, op := range q.ops {
		p := op.Priority()
		if i > 0 && !pauseAllFollowing && lastPriority > PriorityLow && p == PriorityLow {
			pauseAllFollowing = true
		}
		if !pauseAllFollowing && i < q.maxActive {
			toStart = append(toStart, op)
		} else if op.WasStarted() {
			op.Pause()
		}
		lastPriority = p
	}

	logrus.WithFields(logrus.Fields{
		"function":            "CheckLoadingOperations",
		"lane":                q.name,
		"queued":              len(q.ops),
		"starting":            len(toStart),
		"pause_all_following": pauseAllFollowing,
	}).Debug("Checked lane")

	for _, op := range toStart {
		op.Start(nil, 0, false)
	}
}
