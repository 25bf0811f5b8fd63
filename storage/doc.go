// Package storage provides KeyValueStore implementations for checkpoint
// records.
//
// BadgerStore persists records in a Badger database so transfers resume after
// a process restart. MemoryStore keeps them in a map and is used in tests and
// when no checkpoint directory is configured.
//
//	db, err := storage.OpenBadger("/var/lib/app/checkpoints")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
package storage
