package testing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func savePart(id int64, part, total int, data string) *interfaces.SaveFilePart {
	return &interfaces.SaveFilePart{FileID: id, Part: part, TotalParts: total, Bytes: []byte(data)}
}

func TestSimulatedRemoteManualMode(t *testing.T) {
	remote := NewSimulatedRemote()
	defer remote.Close()

	completed := 0
	onDone := func(interfaces.Response) { completed++ }
	onErr := func(err error) { t.Fatalf("unexpected error: %v", err) }

	remote.SendChunkRequest(savePart(1, 1, 2, "world"), onDone, onErr)
	remote.SendChunkRequest(savePart(1, 0, 2, "hello "), onDone, onErr)
	assert.Equal(t, 2, remote.PendingCount())
	assert.Equal(t, 0, completed)

	assert.Equal(t, 2, remote.CompleteAll())
	assert.Equal(t, 2, completed)
	assert.False(t, remote.CompleteNext())

	data, err := remote.Assemble(1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	log := remote.Requests()
	require.Len(t, log, 2)
	assert.True(t, log[0].Upload)
	assert.Equal(t, 1, log[0].Part)
	assert.True(t, log[1].Completed)
}

func TestSimulatedRemoteAssembleDetectsGaps(t *testing.T) {
	remote := NewSimulatedRemote()
	nop := func(interfaces.Response) {}
	remote.SendChunkRequest(savePart(5, 0, 3, "a"), nop, func(error) {})
	remote.SendChunkRequest(savePart(5, 2, 3, "c"), nop, func(error) {})
	remote.CompleteAll()

	_, err := remote.Assemble(5)
	assert.ErrorIs(t, err, ErrMissingPart)

	_, err = remote.Assemble(99)
	assert.ErrorIs(t, err, ErrMissingPart)
}

func TestSimulatedRemoteFailAndCancel(t *testing.T) {
	remote := NewSimulatedRemote()
	rejected := errors.New("rejected")

	var gotErr error
	h1 := remote.SendChunkRequest(savePart(1, 0, 1, "x"), func(interfaces.Response) {}, func(err error) { gotErr = err })
	h2 := remote.SendChunkRequest(savePart(1, 1, 1, "y"), func(interfaces.Response) { t.Fatal("cancelled request completed") }, func(error) {})

	remote.CancelRequest(h2)
	assert.True(t, remote.FailNext(rejected))
	assert.ErrorIs(t, gotErr, rejected)
	assert.False(t, remote.CompleteNext())

	log := remote.Requests()
	assert.Equal(t, h1, log[0].Handle)
	assert.True(t, log[0].Failed)
	assert.True(t, log[1].Cancelled)
}

func TestSimulatedRemoteDownloads(t *testing.T) {
	remote := NewSimulatedRemote()
	remote.PutFile("loc", []byte("0123456789"))

	var got [][]byte
	collect := func(r interfaces.Response) { got = append(got, r.Bytes) }
	remote.SendChunkRequest(&interfaces.GetFilePart{Location: "loc", Offset: 0, Limit: 4}, collect, func(error) {})
	remote.SendChunkRequest(&interfaces.GetFilePart{Location: "loc", Offset: 8, Limit: 4}, collect, func(error) {})
	remote.SendChunkRequest(&interfaces.GetFilePart{Location: "loc", Offset: 12, Limit: 4}, collect, func(error) {})

	var missing error
	remote.SendChunkRequest(&interfaces.GetFilePart{Location: "nope", Limit: 4}, collect, func(err error) { missing = err })
	remote.CompleteAll()

	require.Len(t, got, 3)
	assert.Equal(t, "0123", string(got[0]))
	assert.Equal(t, "89", string(got[1]))
	assert.Empty(t, got[2])
	assert.ErrorIs(t, missing, ErrUnknownLocation)
}

func TestSimulatedRemoteFailureHook(t *testing.T) {
	boom := errors.New("boom")
	remote := NewSimulatedRemote(WithFailure(func(req interfaces.Request) error {
		if p, ok := req.(*interfaces.SaveFilePart); ok && p.Part == 1 {
			return boom
		}
		return nil
	}))

	var errs []error
	for part := 0; part < 3; part++ {
		remote.SendChunkRequest(savePart(1, part, 3, "z"), func(interfaces.Response) {}, func(err error) { errs = append(errs, err) })
	}
	remote.CompleteAll()
	assert.Equal(t, []error{boom}, errs)
}

func TestSimulatedRemoteDropPending(t *testing.T) {
	remote := NewSimulatedRemote()
	remote.SendChunkRequest(savePart(1, 0, 1, "a"), func(interfaces.Response) { t.Fatal("dropped request completed") }, func(error) {})
	assert.Equal(t, 1, remote.DropPending())
	assert.False(t, remote.CompleteNext())
}

func TestSimulatedRemoteAutoMode(t *testing.T) {
	remote := NewSimulatedRemote(WithAutoComplete(time.Millisecond))
	defer remote.Close()

	var done atomic.Int32
	for part := 0; part < 5; part++ {
		remote.SendChunkRequest(savePart(2, part, 5, "p"), func(interfaces.Response) { done.Add(1) }, func(error) {})
	}

	require.Eventually(t, func() bool { return done.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	data, err := remote.Assemble(2)
	require.NoError(t, err)
	assert.Equal(t, "ppppp", string(data))
}
