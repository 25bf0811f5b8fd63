package checkpoint

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ellomessenger/transfercore/crypto"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/ellomessenger/transfercore/mocks"
	"github.com/ellomessenger/transfercore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func sampleRecord(now time.Time) *Record {
	return &Record{
		Time:           now,
		Size:           5 << 20,
		RemoteID:       42,
		ConfirmedBytes: 3 << 19,
		Key:            bytes.Repeat([]byte{1}, crypto.KeySize),
		IV:             bytes.Repeat([]byte{2}, crypto.IVSize),
		IVChange:       bytes.Repeat([]byte{3}, crypto.IVSize),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := NewStore(storage.NewMemoryStore(), nil)

	_, ok := s.Load("fp")
	assert.False(t, ok)

	rec := sampleRecord(now)
	require.NoError(t, s.Save("fp", rec))

	got, ok := s.Load("fp")
	require.True(t, ok)
	assert.Equal(t, rec.Time.UnixMilli(), got.Time.UnixMilli())
	assert.Equal(t, rec.Size, got.Size)
	assert.Equal(t, rec.RemoteID, got.RemoteID)
	assert.Equal(t, rec.ConfirmedBytes, got.ConfirmedBytes)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.IVChange, got.IVChange)

	require.NoError(t, s.Delete("fp"))
	_, ok = s.Load("fp")
	assert.False(t, ok)
}

func TestStoreSealsKeyMaterial(t *testing.T) {
	kv := storage.NewMemoryStore()
	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{9}, crypto.KeySize))
	require.NoError(t, err)
	s := NewStore(kv, sealer)

	rec := sampleRecord(time.Now())
	require.NoError(t, s.Save("fp", rec))

	raw, err := kv.Get("fp")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"key"`)
	assert.Contains(t, string(raw), `"sealed"`)

	got, ok := s.Load("fp")
	require.True(t, ok)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, rec.IV, got.IV)
	assert.Equal(t, rec.IVChange, got.IVChange)

	other, err := crypto.NewSealer(bytes.Repeat([]byte{8}, crypto.KeySize))
	require.NoError(t, err)
	_, ok = NewStore(kv, other).Load("fp")
	assert.False(t, ok, "unseal failure is a corrupt checkpoint")

	_, ok = NewStore(kv, nil).Load("fp")
	assert.False(t, ok)
}

func TestStoreIgnoresMalformed(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := NewStore(kv, nil)

	for _, raw := range []string{"not json", `{"size":10}`, `{"time":1,"size":-1}`} {
		require.NoError(t, kv.Put("fp", []byte(raw)))
		_, ok := s.Load("fp")
		assert.False(t, ok, raw)
	}
}

func TestStoreBackendErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	kv := mocks.NewMockKeyValueStore(ctrl)
	s := NewStore(kv, nil)
	diskFull := errors.New("disk full")

	kv.EXPECT().Get("missing").Return(nil, interfaces.ErrKeyNotFound)
	kv.EXPECT().Get("broken").Return(nil, errors.New("io error"))
	kv.EXPECT().Put("fp", gomock.Any()).Return(diskFull)
	kv.EXPECT().Remove("fp").Return(diskFull)

	_, ok := s.Load("missing")
	assert.False(t, ok)
	_, ok = s.Load("broken")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Save("fp", sampleRecord(time.Now())), diskFull)
	assert.ErrorIs(t, s.Delete("fp"), diskFull)
}

func TestPolicyTrusted(t *testing.T) {
	p := DefaultPolicy()
	start := time.Unix(1_700_000_000, 0)
	rec := &Record{Time: start, Size: 100, RemoteID: 7}

	tests := []struct {
		name string
		rec  *Record
		size int64
		big  bool
		now  time.Time
		want bool
	}{
		{"fresh_small", rec, 100, false, start.Add(time.Minute), true},
		{"small_expired", rec, 100, false, start.Add(90 * time.Minute), false},
		{"small_just_inside", rec, 100, false, start.Add(89 * time.Minute), true},
		{"big_after_small_window", rec, 100, true, start.Add(2 * time.Hour), true},
		{"big_expired", rec, 100, true, start.Add(24 * time.Hour), false},
		{"size_mismatch", rec, 101, false, start, false},
		{"no_remote_id", &Record{Time: start, Size: 100}, 100, false, start, false},
		{"nil_record", nil, 100, false, start, false},
		{"future_record", rec, 100, false, start.Add(-time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Trusted(tt.rec, tt.size, tt.big, tt.now))
		})
	}
}

// An expired record is never honored, whatever it claims to have confirmed.
func TestPolicyExpiryIgnoresConfirmedBytes(t *testing.T) {
	p := DefaultPolicy()
	start := time.Unix(1_700_000_000, 0)
	for _, confirmed := range []int64{0, 1, 50, 99, 100} {
		rec := &Record{Time: start, Size: 100, RemoteID: 1, ConfirmedBytes: confirmed}
		assert.False(t, p.Trusted(rec, 100, false, start.Add(91*time.Minute)))
		assert.False(t, p.Trusted(rec, 100, true, start.Add(25*time.Hour)))
	}
}
