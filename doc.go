// Package transfercore moves files between a device and a remote store in
// resumable, optionally encrypted parts.
//
// A Core owns everything one account needs for transfers: the stage queue
// on which all transfer state changes run, the checkpoint store that lets
// interrupted transfers resume, a network monitor that switches sizing
// between fast and slow networks, and the file.Manager that schedules
// uploads, downloads and stream readers.
//
// # Getting Started
//
//	cfg, err := config.Load(".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	core, err := transfercore.New(cfg, transfercore.Dependencies{RPC: rpc})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Close()
//
//	mgr := core.Manager()
//	_, err = mgr.UploadFile(file.TransferTarget{Path: "/data/report.pdf"},
//	    file.UploadOptions{Type: file.TransferTypeFile},
//	    file.UploadCallbacks{
//	        OnFinish: func(r file.UploadResult) { fmt.Println("uploaded", r.FileID) },
//	    })
//
// # Checkpoints
//
// With Config.CheckpointDir set, checkpoints live in a Badger database in
// that directory and survive restarts. Otherwise they are kept in memory.
// Config.CheckpointSealKey seals the cipher material of encrypted uploads
// before it is written.
//
// # Network Condition
//
// Every part request passes through transport.InstrumentedRPC, which feeds
// round trip times and throughput into the NetworkMonitor. When the monitor
// flips between fast and slow, running uploads restart with part sizes for
// the new condition. Dependencies.Network replaces the monitor as the source
// of the flag.
//
// # Packages
//
//   - chunk, crypto: part sizing and per-part encryption
//   - checkpoint, storage: durable transfer progress
//   - file: operations, lanes, stream bridges and the manager
//   - stage: the serialized worker
//   - transport: network monitoring
//   - config: environment configuration
//   - testing: an in-memory remote store for tests and demos
package transfercore
