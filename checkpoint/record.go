package checkpoint

import (
	"time"
)

// Record is the durable progress of one transfer.
type Record struct {
	// Time is when the transfer first started.
	Time time.Time
	// Size is the total file size the record was written for.
	Size int64
	// RemoteID is the file identifier of an upload or the session id of a
	// download. Zero means no resumable state.
	RemoteID int64
	// ConfirmedBytes is the length of the contiguous confirmed prefix.
	ConfirmedBytes int64
	// Key, IV and IVChange hold the cipher material of encrypted uploads.
	Key      []byte
	IV       []byte
	IVChange []byte
	// Parts is a serialized bitmap of downloaded part indices and PartSize
	// the part size the indices refer to.
	Parts    []byte
	PartSize int
}

// HasCipher reports whether the record carries complete cipher material.
func (r *Record) HasCipher() bool {
	return len(r.Key) > 0 && len(r.IV) > 0
}

// Policy holds the expiry windows for trusting a record.
type Policy struct {
	BigExpiry   time.Duration
	SmallExpiry time.Duration
}

// DefaultPolicy returns the standard windows: 24 hours for big files and 90
// minutes for small ones.
func DefaultPolicy() Policy {
	return Policy{
		BigExpiry:   24 * time.Hour,
		SmallExpiry: 90 * time.Minute,
	}
}

// Expiry returns the window that applies to a transfer.
func (p Policy) Expiry(big bool) time.Duration {
	if big {
		return p.BigExpiry
	}
	return p.SmallExpiry
}

// Trusted reports whether rec may be used to resume a transfer of size bytes
// at time now.
func (p Policy) Trusted(rec *Record, size int64, big bool, now time.Time) bool {
	if rec == nil || rec.RemoteID == 0 {
		return false
	}
	if rec.Size != size {
		return false
	}
	age := now.Sub(rec.Time)
	return age >= 0 && age < p.Expiry(big)
}
