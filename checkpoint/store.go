package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ellomessenger/transfercore/crypto"
	"github.com/ellomessenger/transfercore/interfaces"
	"github.com/sirupsen/logrus"
)

// ErrCorruptRecord indicates stored bytes that do not decode to a record.
var ErrCorruptRecord = errors.New("corrupt checkpoint record")

// persisted is the stored layout. Time and Size are always present.
type persisted struct {
	Time           int64  `json:"time"`
	Size           int64  `json:"size"`
	RemoteID       int64  `json:"remote_id,omitempty"`
	ConfirmedBytes int64  `json:"confirmed_bytes,omitempty"`
	Key            []byte `json:"key,omitempty"`
	IV             []byte `json:"iv,omitempty"`
	IVChange       []byte `json:"iv_change,omitempty"`
	Sealed         []byte `json:"sealed,omitempty"`
	Parts          []byte `json:"parts,omitempty"`
	PartSize       int    `json:"part_size,omitempty"`
}

type keyMaterial struct {
	Key      []byte `json:"key"`
	IV       []byte `json:"iv"`
	IVChange []byte `json:"iv_change,omitempty"`
}

// Store reads and writes records through a KeyValueStore.
type Store struct {
	kv     interfaces.KeyValueStore
	sealer *crypto.Sealer
}

// NewStore creates a Store. When sealer is non-nil, key material is sealed
// before it is written.
func NewStore(kv interfaces.KeyValueStore, sealer *crypto.Sealer) *Store {
	return &Store{kv: kv, sealer: sealer}
}

// Load returns the record stored under fp. Absent and unreadable records
// both report false.
func (s *Store) Load(fp string) (*Record, bool) {
	data, err := s.kv.Get(fp)
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			logrus.WithFields(logrus.Fields{
				"function":    "Load",
				"fingerprint": fp,
				"error":       err.Error(),
			}).Warn("Checkpoint read failed, ignoring")
		}
		return nil, false
	}

	rec, err := s.decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Load",
			"fingerprint": fp,
			"error":       err.Error(),
		}).Warn("Discarding unreadable checkpoint")
		return nil, false
	}
	return rec, true
}

// Save writes rec under fp.
func (s *Store) Save(fp string, rec *Record) error {
	data, err := s.encode(rec)
	if err != nil {
		return err
	}
	if err := s.kv.Put(fp, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":        "Save",
		"fingerprint":     fp,
		"confirmed_bytes": rec.ConfirmedBytes,
		"size":            rec.Size,
	}).Debug("Checkpoint saved")
	return nil
}

// Delete removes the record stored under fp.
func (s *Store) Delete(fp string) error {
	if err := s.kv.Remove(fp); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) encode(rec *Record) ([]byte, error) {
	p := persisted{
		Time:           rec.Time.UnixMilli(),
		Size:           rec.Size,
		RemoteID:       rec.RemoteID,
		ConfirmedBytes: rec.ConfirmedBytes,
		Parts:          rec.Parts,
		PartSize:       rec.PartSize,
	}

	if rec.HasCipher() {
		if s.sealer != nil {
			plain, err := json.Marshal(keyMaterial{Key: rec.Key, IV: rec.IV, IVChange: rec.IVChange})
			if err != nil {
				return nil, fmt.Errorf("encode key material: %w", err)
			}
			sealed, err := s.sealer.Seal(plain)
			crypto.ZeroBytes(plain)
			if err != nil {
				return nil, fmt.Errorf("seal key material: %w", err)
			}
			p.Sealed = sealed
		} else {
			p.Key, p.IV, p.IVChange = rec.Key, rec.IV, rec.IVChange
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

func (s *Store) decode(data []byte) (*Record, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if p.Time == 0 || p.Size < 0 || p.ConfirmedBytes < 0 {
		return nil, fmt.Errorf("%w: missing time or negative size", ErrCorruptRecord)
	}

	rec := &Record{
		Time:           time.UnixMilli(p.Time),
		Size:           p.Size,
		RemoteID:       p.RemoteID,
		ConfirmedBytes: p.ConfirmedBytes,
		Key:            p.Key,
		IV:             p.IV,
		IVChange:       p.IVChange,
		Parts:          p.Parts,
		PartSize:       p.PartSize,
	}

	if len(p.Sealed) > 0 {
		if s.sealer == nil {
			return nil, fmt.Errorf("%w: sealed key material without a sealing key", ErrCorruptRecord)
		}
		plain, err := s.sealer.Open(p.Sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		var km keyMaterial
		err = json.Unmarshal(plain, &km)
		crypto.ZeroBytes(plain)
		if err != nil {
			return nil, fmt.Errorf("%w: key material: %v", ErrCorruptRecord, err)
		}
		rec.Key, rec.IV, rec.IVChange = km.Key, km.IV, km.IVChange
	}
	return rec, nil
}
