package file

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/ellomessenger/transfercore/chunk"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/limits"
	simtest "github.com/ellomessenger/transfercore/testing"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const downloadChunk = limits.DownloadChunkSize

type downloadOutcome struct {
	mu    sync.Mutex
	paths []string
	errs  []error
}

func (o *downloadOutcome) attach(op *DownloadOperation) {
	op.OnFinish(func(path string) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.paths = append(o.paths, path)
	})
	op.OnFail(func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.errs = append(o.errs, err)
	})
}

func (o *downloadOutcome) snapshot() ([]string, []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.paths...), append([]error(nil), o.errs...)
}

// downloadOffsets returns the offsets of logged download requests.
func downloadOffsets(remote *simtest.SimulatedRemote) []int64 {
	return lo.FilterMap(remote.Requests(), func(r simtest.RequestRecord, _ int) (int64, bool) {
		return r.Offset, !r.Upload
	})
}

func (h *harness) newDownload(location string, size int64) (*DownloadOperation, *downloadOutcome) {
	op := NewDownloadOperation(h.env, TransferTarget{
		Location: location,
		Path:     filepath.Join(h.dir, "downloads", filepath.Base(location)+".bin"),
		Size:     size,
	}, DownloadOptions{Type: TransferTypeFile})
	out := &downloadOutcome{}
	out.attach(op)
	return op, out
}

func (h *harness) startDownload(op *DownloadOperation) bool {
	h.t.Helper()
	var ok bool
	require.NoError(h.t, h.stage.Run(func() { ok = op.Start(nil, 0, false) }))
	return ok
}

func (h *harness) tempPathFor(location string) string {
	return filepath.Join(h.dir, "downloads", chunk.LocationFingerprint(location)+".temp")
}

func TestDownloadAssemblesFile(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(3*downloadChunk + 1000)
	h.remote.PutFile("dc1/doc/1", data)

	op, out := h.newDownload("dc1/doc/1", int64(len(data)))
	require.True(t, h.startDownload(op))
	assert.Equal(t, 4, h.remote.PendingCount(), "small files keep four requests in flight")

	h.pump()

	assert.Equal(t, TransferStateCompleted, op.State())
	paths, errs := out.snapshot()
	require.Empty(t, errs)
	require.Equal(t, []string{op.Path()}, paths)

	got, err := os.ReadFile(op.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, op.Path(), op.CurrentFile())

	_, err = os.Stat(h.tempPathFor("dc1/doc/1"))
	assert.True(t, os.IsNotExist(err), "temp file is renamed into place")
	_, ok := h.env.Checkpoints.Load(chunk.LocationFingerprint("dc1/doc/1"))
	assert.False(t, ok, "checkpoint is removed on completion")

	assert.Equal(t, 1, h.notifier.count(interfaces.EventDownloadFinished))
	last, ok := h.notifier.last(interfaces.EventDownloadProgress)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), last.(interfaces.Progress).Done)
	assert.Equal(t, int64(len(data)), h.env.Stats.Snapshot()[TransferTypeFile].ReceivedBytes)
}

func TestDownloadBigFileUsesLargeChunks(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(12 * limits.MB)
	h.remote.PutFile("dc1/video/2", data)

	op, _ := h.newDownload("dc1/video/2", int64(len(data)))
	require.True(t, h.startDownload(op))

	reqs := h.remote.Requests()
	require.Len(t, reqs, limits.MaxDownloadRequestsBig)
	for _, r := range reqs {
		assert.Equal(t, limits.DownloadChunkSizeBig, r.Limit)
	}

	h.pump()
	got, err := os.ReadFile(op.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadResumesAfterRestart(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(8*downloadChunk - 100)
	h.remote.PutFile("dc4/doc/3", data)

	op, _ := h.newDownload("dc4/doc/3", int64(len(data)))
	require.True(t, h.startDownload(op))
	h.completeN(3)

	rec, ok := h.env.Checkpoints.Load(chunk.LocationFingerprint("dc4/doc/3"))
	require.True(t, ok)
	assert.Equal(t, downloadChunk, rec.PartSize)
	assert.NotZero(t, rec.RemoteID)
	parts := roaring.New()
	require.NoError(t, parts.UnmarshalBinary(rec.Parts))
	assert.Equal(t, []uint32{0, 1, 2}, parts.ToArray())

	h2 := h.restart()
	h2.remote.ClearRequests()
	op2, out := h2.newDownload("dc4/doc/3", int64(len(data)))
	require.True(t, h2.startDownload(op2))
	h2.pump()

	offsets := downloadOffsets(h2.remote)
	assert.ElementsMatch(t, []int64{
		3 * downloadChunk, 4 * downloadChunk, 5 * downloadChunk, 6 * downloadChunk, 7 * downloadChunk,
	}, offsets, "completed parts are not fetched again")

	paths, errs := out.snapshot()
	require.Empty(t, errs)
	require.Len(t, paths, 1)
	got, err := os.ReadFile(op2.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadRestartsFromScratch(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *harness, location string)
	}{
		{
			name: "expired checkpoint",
			prepare: func(h *harness, _ string) {
				h.clock.advance(91 * time.Minute)
			},
		},
		{
			name: "missing temp file",
			prepare: func(h *harness, location string) {
				require.NoError(t, os.Remove(h.tempPathFor(location)))
			},
		},
		{
			name: "part size changed",
			prepare: func(h *harness, _ string) {
				h.env.Settings.DownloadChunkSize = downloadChunk / 2
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil, nil, testSettings())
			data := patterned(4 * downloadChunk)
			h.remote.PutFile("dc2/doc/5", data)

			op, _ := h.newDownload("dc2/doc/5", int64(len(data)))
			require.True(t, h.startDownload(op))
			h.completeN(2)

			h2 := h.restart()
			tt.prepare(h2, "dc2/doc/5")
			h2.remote.ClearRequests()
			op2, _ := h2.newDownload("dc2/doc/5", int64(len(data)))
			require.True(t, h2.startDownload(op2))
			h2.pump()

			assert.Contains(t, downloadOffsets(h2.remote), int64(0), "first part is fetched again")
			got, err := os.ReadFile(op2.Path())
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestDownloadedLengthFromOffset(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	c := int64(downloadChunk)
	data := patterned(int(3*c + 1000))
	size := int64(len(data))
	h.remote.PutFile("dc1/doc/7", data)

	op, _ := h.newDownload("dc1/doc/7", size)
	require.True(t, h.startDownload(op))
	require.Equal(t, 4, h.remote.PendingCount())

	completePart := func(part int64) {
		require.True(t, h.remote.CompleteWhere(func(r simtest.RequestRecord) bool {
			return r.Offset == part*c
		}))
		h.stage.Sync()
	}
	length := func(offset, limit int64) int64 {
		n, finished, err := op.DownloadedLengthFromOffset(offset, limit)
		require.NoError(t, err)
		assert.False(t, finished)
		return n
	}

	completePart(2)
	assert.Zero(t, length(0, c))
	assert.Equal(t, c-10, length(2*c+10, c))
	assert.Equal(t, c, length(2*c, 3*c), "part 3 is still missing")

	completePart(1)
	assert.Equal(t, 2*c, length(c, 4*c))
	assert.Equal(t, int64(10), length(c+5, 10))

	completePart(3)
	assert.Equal(t, 2*c+1000, length(c, 4*c))

	_, _, err := op.DownloadedLengthFromOffset(size, 1)
	assert.ErrorIs(t, err, io.EOF)

	completePart(0)
	n, finished, err := op.DownloadedLengthFromOffset(0, 2*size)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, size, n)

	n, _, err = op.DownloadedLengthFromOffset(size-1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDownloadPauseKeepsParts(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(8 * downloadChunk)
	h.remote.PutFile("dc1/doc/8", data)

	op, out := h.newDownload("dc1/doc/8", int64(len(data)))
	require.True(t, h.startDownload(op))
	h.completeN(2)

	require.NoError(t, h.stage.Run(op.Pause))
	assert.Equal(t, TransferStatePaused, op.State())
	assert.Zero(t, h.remote.PendingCount(), "pause cancels in-flight requests")
	assert.True(t, op.IsPaused())
	assert.False(t, op.WasStarted())

	rec, ok := h.env.Checkpoints.Load(chunk.LocationFingerprint("dc1/doc/8"))
	require.True(t, ok)
	assert.Equal(t, int64(2*downloadChunk), rec.ConfirmedBytes)

	h.remote.ClearRequests()
	require.True(t, h.startDownload(op))
	h.pump()

	offsets := downloadOffsets(h.remote)
	assert.Len(t, offsets, 6)
	assert.NotContains(t, offsets, int64(0))
	assert.NotContains(t, offsets, int64(downloadChunk))

	paths, errs := out.snapshot()
	require.Empty(t, errs)
	require.Len(t, paths, 1)
	got, err := os.ReadFile(op.Path())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadCancelReportsOnce(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(4 * downloadChunk)
	h.remote.PutFile("dc1/doc/9", data)

	op, out := h.newDownload("dc1/doc/9", int64(len(data)))
	require.True(t, h.startDownload(op))
	h.completeN(1)

	require.NoError(t, h.stage.Run(op.Cancel))
	require.NoError(t, h.stage.Run(op.Cancel))

	assert.Equal(t, TransferStateCancelled, op.State())
	_, errs := out.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTransferCancelled)
	assert.Equal(t, 1, h.notifier.count(interfaces.EventDownloadFailed))
	assert.Zero(t, h.remote.PendingCount())

	_, err := os.Stat(h.tempPathFor("dc1/doc/9"))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, h.startDownload(op), "cancelled downloads never restart")
}

func TestDownloadFailures(t *testing.T) {
	t.Run("short part", func(t *testing.T) {
		h := newHarness(t, nil, nil, nil, testSettings())
		data := patterned(2*downloadChunk + 50)
		h.remote.PutFile("dc1/doc/10", data[:len(data)-10])

		op, out := h.newDownload("dc1/doc/10", int64(len(data)))
		require.True(t, h.startDownload(op))
		h.pump()

		assert.Equal(t, TransferStateError, op.State())
		_, errs := out.snapshot()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrShortPart)
		_, err := os.Stat(h.tempPathFor("dc1/doc/10"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("remote error", func(t *testing.T) {
		h := newHarness(t, nil, nil, nil, testSettings())
		op, out := h.newDownload("dc1/doc/missing", downloadChunk)
		require.True(t, h.startDownload(op))
		h.pump()

		_, errs := out.snapshot()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], simtest.ErrUnknownLocation)
		assert.Equal(t, 1, h.notifier.count(interfaces.EventDownloadFailed))
	})

	t.Run("unknown size", func(t *testing.T) {
		h := newHarness(t, nil, nil, nil, testSettings())
		op, out := h.newDownload("dc1/doc/11", 0)
		assert.False(t, h.startDownload(op))
		_, errs := out.snapshot()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrUnknownSize)
		assert.Zero(t, h.remote.PendingCount())
	})

	t.Run("missing location", func(t *testing.T) {
		h := newHarness(t, nil, nil, nil, testSettings())
		op, out := h.newDownload("", 100)
		assert.False(t, h.startDownload(op))
		_, errs := out.snapshot()
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], ErrMissingLocation)
	})
}

func TestDownloadExistingDestinationCompletes(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(1000)
	op, out := h.newDownload("dc1/doc/12", int64(len(data)))
	require.NoError(t, os.MkdirAll(filepath.Dir(op.Path()), 0o755))
	require.NoError(t, os.WriteFile(op.Path(), data, 0o600))

	require.True(t, h.startDownload(op))
	assert.Equal(t, TransferStateCompleted, op.State())
	assert.Empty(t, h.remote.Requests())
	paths, _ := out.snapshot()
	assert.Equal(t, []string{op.Path()}, paths)
}

func TestDownloadStaleResponsesIgnored(t *testing.T) {
	h := newHarness(t, nil, nil, nil, testSettings())
	data := patterned(4 * downloadChunk)
	h.remote.PutFile("dc1/doc/13", data)

	op, _ := h.newDownload("dc1/doc/13", int64(len(data)))
	require.True(t, h.startDownload(op))

	// Capture a completion that arrives after the pause.
	var late func()
	require.NoError(t, h.stage.Run(func() {
		gen := op.generation
		late = func() { op.onPartComplete(gen, 0, data[:downloadChunk]) }
		op.Pause()
	}))
	require.NoError(t, h.stage.Run(late))

	n, _, err := op.DownloadedLengthFromOffset(0, downloadChunk)
	require.NoError(t, err)
	assert.Zero(t, n, "response from before the pause is dropped")
}
