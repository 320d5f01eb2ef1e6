// Package storage persists design documents between server runs.
//
// # Overview
//
// The server keeps its design database in memory while it runs. This package
// gives it somewhere to load that database from at startup and to write it
// back as it changes:
//
//	┌──────────────────────────────┐
//	│   Coordinator (snapshots)    │
//	└──────────────────────────────┘
//	               │ Subscribe → Notify
//	               ▼
//	┌──────────────────────────────┐
//	│         Checkpointer         │
//	│  coalesces, saves on stop    │
//	└──────────────────────────────┘
//	               │ Put(name, snapshot.Save())
//	        ┌──────┴──────┐
//	        ▼             ▼
//	┌──────────────┐ ┌──────────────┐
//	│ MemoryStore  │ │ SQLiteStore  │
//	└──────────────┘ └──────────────┘
//
// # Store
//
// Store is a small key-value contract keyed by design name:
//   - Get(key) returns ErrKeyNotFound for a design never saved
//   - Put(key, value) replaces the saved bytes
//   - Delete(key) is idempotent
//   - List() returns names sorted
//   - Stats() reports count, total size and last write time
//
// MemoryStore copies values in and out and is meant for tests and for
// servers that do not need to survive a restart. SQLiteStore keeps one row
// per design in a pure-Go SQLite database (modernc.org/sqlite), so no cgo
// toolchain is needed.
//
// # Checkpointing
//
// Checkpointer.Notify never blocks, which makes it safe to register directly
// as a coordinator snapshot subscriber. Notifications arriving while a save
// is in progress collapse into a single follow-up save. Stop always performs
// one last save so a clean shutdown loses nothing.
//
// # Usage
//
//	st, err := storage.OpenSQLite("layoutd.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	db, err := storage.LoadDesign(st, "chip")
//	...
//	cp := storage.NewCheckpointer(st, "chip", func() ([]byte, error) {
//	    return design.SaveSnapshot(coord.Snapshot())
//	}, logger)
//	unsubscribe := coord.Subscribe(func(task.Snapshot) { cp.Notify() })
//	go cp.Start(ctx)
//	defer cp.Stop()
package storage
