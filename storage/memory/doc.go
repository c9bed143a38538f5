// Package memory provides an in-memory implementation of storage.Store.
//
// All state lives in maps guarded by a single sync.RWMutex; consume and rotate
// operations take the write lock so they are atomic with respect to each other.
// Expiry is evaluated lazily on every read against an injectable clock, and a
// background sweep removes dead records so memory stays bounded:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, config, logger)
//
// State is lost on restart.
package memory
