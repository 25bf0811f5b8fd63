package file

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ellomessenger/transfercore/checkpoint"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/stage"
	"github.com/ellomessenger/transfercore/storage"
	simtest "github.com/ellomessenger/transfercore/testing"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// recordingNotifier keeps every notification.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

type notification struct {
	kind    interfaces.EventKind
	payload interface{}
}

func (n *recordingNotifier) Notify(kind interfaces.EventKind, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{kind: kind, payload: payload})
}

func (n *recordingNotifier) count(kind interfaces.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.kind == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last(kind interfaces.EventKind) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].kind == kind {
			return n.events[i].payload, true
		}
	}
	return nil, false
}

// harness is one simulated process: a stage queue and an environment.
// Several harnesses may share a remote and a checkpoint store to
// simulate restarts.
type harness struct {
	t        *testing.T
	stage    *stage.Queue
	env      *Env
	remote   *simtest.SimulatedRemote
	kv       *storage.MemoryStore
	clock    *mockTimeProvider
	notifier *recordingNotifier
	dir      string
}

func testSettings() Settings {
	s := DefaultSettings()
	s.CheckpointEvery = 1
	return s
}

func newHarness(t *testing.T, remote *simtest.SimulatedRemote, kv *storage.MemoryStore, clock *mockTimeProvider, settings Settings) *harness {
	t.Helper()
	if remote == nil {
		remote = simtest.NewSimulatedRemote()
		t.Cleanup(remote.Close)
	}
	if kv == nil {
		kv = storage.NewMemoryStore()
	}
	if clock == nil {
		clock = newMockTimeProvider()
	}
	q := stage.NewQueue("test")
	t.Cleanup(q.Close)
	notifier := &recordingNotifier{}

	return &harness{
		t:     t,
		stage: q,
		env: &Env{
			Stage:        q,
			RPC:          remote,
			Checkpoints:  checkpoint.NewStore(kv, nil),
			Notifier:     notifier,
			Stats:        NewStats(),
			Settings:     settings,
			TimeProvider: clock,
		},
		remote:   remote,
		kv:       kv,
		clock:    clock,
		notifier: notifier,
		dir:      t.TempDir(),
	}
}

// restart simulates a killed process: pending requests vanish and a fresh
// stage queue takes over the same remote, store and clock.
func (h *harness) restart() *harness {
	h.remote.DropPending()
	h.stage.Close()
	next := newHarness(h.t, h.remote, h.kv, h.clock, h.env.Settings)
	next.dir = h.dir
	return next
}

// pump completes requests until nothing is pending.
func (h *harness) pump() {
	for i := 0; i < 10000; i++ {
		h.stage.Sync()
		if h.remote.CompleteAll() == 0 {
			h.stage.Sync()
			if h.remote.PendingCount() == 0 {
				return
			}
		}
	}
	h.t.Fatal("remote never drained")
}

// completeN completes n requests in arrival order.
func (h *harness) completeN(n int) {
	for i := 0; i < n; i++ {
		h.stage.Sync()
		require.True(h.t, h.remote.CompleteNext(), "no pending request to complete")
	}
	h.stage.Sync()
}

func (h *harness) writeFile(name string, data []byte) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, data, 0o600))
	return path
}

func patterned(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// uploadRequests returns the logged upload requests.
func uploadRequests(remote *simtest.SimulatedRemote) []simtest.RequestRecord {
	var out []simtest.RequestRecord
	for _, r := range remote.Requests() {
		if r.Upload {
			out = append(out, r)
		}
	}
	return out
}

// uploadSizing fixes the part size at chunkKB for files small enough.
func uploadSizing(chunkKB int) Settings {
	s := testSettings()
	s.Sizing.MinChunkKB = chunkKB
	s.Sizing.MaxUploadingKB = 4 * chunkKB
	return s
}

type uploadOutcome struct {
	mu      sync.Mutex
	results []UploadResult
	errs    []error
}

func (o *uploadOutcome) callbacks() (func(UploadResult), func(error)) {
	onFinish := func(r UploadResult) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.results = append(o.results, r)
	}
	onFail := func(err error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.errs = append(o.errs, err)
	}
	return onFinish, onFail
}

func (o *uploadOutcome) snapshot() ([]UploadResult, []error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]UploadResult(nil), o.results...), append([]error(nil), o.errs...)
}
