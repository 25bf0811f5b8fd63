// Package checkpoint persists transfer progress so an interrupted upload or
// download can resume after a restart.
//
// A Record is keyed by a stable fingerprint of the transfer (see
// chunk.PathFingerprint) and stored through an interfaces.KeyValueStore.
// Records that are absent, malformed, expired or that describe a different
// file size are never trusted; callers restart from zero instead.
package checkpoint
