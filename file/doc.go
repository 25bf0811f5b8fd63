// Package file implements chunked, resumable file uploads and downloads with
// per-lane priority scheduling and blocking stream readers.
//
// # Overview
//
// The file package provides four primary components:
//
//   - UploadOperation: moves one local file to the remote store in parts,
//     resuming a previous attempt from its checkpoint and encrypting parts
//     when required
//   - DownloadOperation: fetches one remote file in parts into a temporary
//     file and renames it into place once every part arrived
//   - PriorityQueue: bounds how many downloads of one lane run at once and
//     orders them by priority
//   - StreamBridge: blocks a sequential reader until the bytes it asks for
//     are on disk
//
// Manager ties them together for one account.
//
// # Execution Model
//
// Operation state is not guarded by locks. Every transition runs on a single
// stage queue (see package stage), and RPC callbacks are posted back to that
// queue. A generation counter is captured by each request; responses that
// arrive after a restart or cancellation carry an old generation and are
// dropped.
//
// Stream readers run on their own goroutines. They reach the download only
// through DownloadedLengthFromOffset, which hops onto the stage queue, and
// through the bridge's signal channel.
//
// # Uploads
//
//	env := &file.Env{
//	    Stage:       stage.NewQueue("transfers"),
//	    RPC:         rpc,
//	    Checkpoints: checkpoint.NewStore(storage.NewMemoryStore(), nil),
//	    Settings:    file.DefaultSettings(),
//	}
//	mgr := file.NewManager(env)
//
//	op, err := mgr.UploadFile(file.TransferTarget{Path: "/data/clip.mp4"},
//	    file.UploadOptions{Type: file.TransferTypeVideo},
//	    file.UploadCallbacks{
//	        OnFinish: func(r file.UploadResult) { fmt.Println("uploaded", r.FileID) },
//	        OnFail:   func(err error) { fmt.Println("failed:", err) },
//	    })
//
// Part size grows with the file so that no upload needs more than the part
// budget, and always divides 1 MiB so resumed offsets stay aligned. Files
// above BigFileThreshold use the big layout and checkpoint on every 1 MiB
// boundary; smaller files checkpoint every CheckpointEvery completions.
//
// # Downloads and Lanes
//
// Downloads are queued in one of four lanes: audio, images, files and large
// files. Each lane starts its highest priority downloads up to its width and
// pauses the rest. Once the ordering drops from a raised priority to the
// lowest one, everything after that point stays paused even if slots are
// free, so low priority work never overtakes a waiting download.
//
//	op, err := mgr.LoadFile(file.TransferTarget{
//	    Location: "dc2/photo/991",
//	    Path:     "/cache/991.jpg",
//	    Size:     245_760,
//	}, file.PriorityLevelHigh, file.DownloadOptions{Type: file.TransferTypePhoto}, file.DownloadCallbacks{})
//
// # Streaming
//
//	r, err := mgr.OpenStream(target)
//	defer r.Close()
//	io.Copy(decoder, r)
//
// Cancelling a bridge wakes its reader with a zero result. The download
// keeps running while any bridge still needs it.
//
// # Transfer States
//
//	TransferStatePending   // Waiting to start
//	TransferStateRunning   // In progress
//	TransferStatePaused    // Paused by its lane
//	TransferStateCompleted // Finished successfully
//	TransferStateCancelled // Cancelled
//	TransferStateError     // Failed
//
// Completed, cancelled and failed operations are never reused. Failures and
// cancellations are published through the same notification with the same
// payload; the OnFail callback receives ErrTransferCancelled for the latter.
//
// # Security
//
// Upload paths are checked for directory traversal and, when
// Settings.PrivateRoot is set, must resolve inside that directory after
// following symlinks.
package file
