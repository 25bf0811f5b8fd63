package file

import (
	"math"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOperation records what a lane asks of it.
type fakeOperation struct {
	name     string
	priority int
	started  bool
	paused   bool
	starts   int
	pauses   int
	cancels  int
}

func (f *fakeOperation) Priority() int    { return f.priority }
func (f *fakeOperation) WasStarted() bool { return f.started && !f.paused }

func (f *fakeOperation) Start(StreamListener, int64, bool) bool {
	if f.WasStarted() {
		return true
	}
	f.started = true
	f.paused = false
	f.starts++
	return true
}

func (f *fakeOperation) Pause() {
	f.paused = true
	f.pauses++
}

func (f *fakeOperation) Cancel() { f.cancels++ }

func names(q *PriorityQueue) []string {
	return lo.Map(q.Operations(), func(op Schedulable, _ int) string {
		return op.(*fakeOperation).name
	})
}

func TestPriorityValues(t *testing.T) {
	var seq prioritySequence

	assert.Equal(t, PriorityLow, seq.value(PriorityLevelLow))
	assert.Equal(t, 1<<16, seq.value(PriorityLevelNormal))
	assert.Equal(t, math.MaxInt32, seq.value(PriorityLevelStream))

	high1 := seq.value(PriorityLevelHigh)
	high2 := seq.value(PriorityLevelHigh)
	up := seq.value(PriorityLevelNormalUp)
	assert.Equal(t, 1<<20+1, high1)
	assert.Greater(t, high2, high1, "newer high requests win")
	assert.Equal(t, 1<<16+3, up)
	assert.Greater(t, up, PriorityNormal)
	assert.Less(t, up, high1)
}

func TestPriorityQueueAddOrdersByPriority(t *testing.T) {
	q := NewPriorityQueue("files", 3)
	a := &fakeOperation{name: "a", priority: PriorityNormal}
	b := &fakeOperation{name: "b", priority: PriorityLow}
	c := &fakeOperation{name: "c", priority: PriorityHigh}
	d := &fakeOperation{name: "d", priority: PriorityNormal}

	for _, op := range []*fakeOperation{a, b, c, d} {
		q.Add(op)
	}
	assert.Equal(t, []string{"c", "a", "d", "b"}, names(q), "ties keep arrival order")

	// Re-adding replaces the entry at its new priority.
	b.priority = PriorityStream
	q.Add(b)
	assert.Equal(t, []string{"b", "c", "a", "d"}, names(q))
	assert.Equal(t, 4, q.Len())

	q.Add(a)
	assert.Equal(t, []string{"b", "c", "d", "a"}, names(q), "re-added tie goes behind its peers")
}

func TestPriorityQueueRemoveAndCancel(t *testing.T) {
	q := NewPriorityQueue("files", 2)
	a := &fakeOperation{name: "a", priority: PriorityNormal}
	b := &fakeOperation{name: "b", priority: PriorityNormal}
	q.Add(a)
	q.Add(b)

	q.Remove(a)
	q.Remove(a)
	assert.Equal(t, []string{"b"}, names(q))
	assert.Equal(t, 0, a.cancels, "remove never cancels")

	q.Cancel(b)
	q.Cancel(b)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, b.cancels, "cancel of an absent operation is a no-op")
}

func TestPriorityQueueHighBeforeLow(t *testing.T) {
	var seq prioritySequence
	q := NewPriorityQueue("files", 2)
	low1 := &fakeOperation{name: "low1", priority: seq.value(PriorityLevelLow)}
	high1 := &fakeOperation{name: "high1", priority: seq.value(PriorityLevelHigh)}
	low2 := &fakeOperation{name: "low2", priority: seq.value(PriorityLevelLow)}
	high2 := &fakeOperation{name: "high2", priority: seq.value(PriorityLevelHigh)}

	for _, op := range []*fakeOperation{low1, high1, low2, high2} {
		q.Add(op)
	}
	q.CheckLoadingOperations()

	assert.True(t, high1.WasStarted())
	assert.True(t, high2.WasStarted())
	assert.False(t, low1.started)
	assert.False(t, low2.started)

	// A slot frees up but a high entry is still listed.
	q.Remove(high2)
	q.CheckLoadingOperations()
	assert.False(t, low1.started, "low work waits while a high entry remains")
	assert.False(t, low2.started)

	q.Remove(high1)
	q.CheckLoadingOperations()
	assert.True(t, low1.WasStarted())
	assert.True(t, low2.WasStarted())
}

func TestPriorityQueuePausesBeyondBudget(t *testing.T) {
	q := NewPriorityQueue("large_files", 2)
	a := &fakeOperation{name: "a", priority: PriorityNormal}
	b := &fakeOperation{name: "b", priority: PriorityNormal}
	q.Add(a)
	q.Add(b)
	q.CheckLoadingOperations()
	require.True(t, a.WasStarted())
	require.True(t, b.WasStarted())

	c := &fakeOperation{name: "c", priority: PriorityHigh}
	q.Add(c)
	q.CheckLoadingOperations()

	assert.True(t, c.WasStarted())
	assert.True(t, a.WasStarted())
	assert.True(t, b.paused, "started operation past the budget is paused")
	assert.Equal(t, 0, b.cancels)

	q.Remove(c)
	q.CheckLoadingOperations()
	assert.True(t, b.WasStarted(), "paused operation resumes when a slot frees")
	assert.Equal(t, 2, b.starts)
}

func TestPriorityQueueLowOnlyLaneRuns(t *testing.T) {
	q := NewPriorityQueue("images", 2)
	a := &fakeOperation{name: "a", priority: PriorityLow}
	b := &fakeOperation{name: "b", priority: PriorityLow}
	c := &fakeOperation{name: "c", priority: PriorityLow}
	for _, op := range []*fakeOperation{a, b, c} {
		q.Add(op)
	}
	q.CheckLoadingOperations()

	assert.True(t, a.WasStarted())
	assert.True(t, b.WasStarted())
	assert.False(t, c.started)
}
