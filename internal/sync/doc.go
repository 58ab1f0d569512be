// Package sync keeps a local todo.txt file consistent with its copy in a
// remote object store.
//
// # Overview
//
// An Orchestrator owns one tracked file: its in-memory task.List, the local
// file, the merge cache (the file as of the last confirmed sync) and the
// persisted metadata (last confirmed remote revision and an unpushed-changes
// flag). The remote offers only coarse revision metadata, so every sync pass
// compares three things and picks one action:
//
//	GetMetadata ──► Decide(remote, local exists, metadata)
//	                 ├── push       upload local file (with revision precondition)
//	                 ├── pull       download and replace local file
//	                 ├── merge      three-way merge against the merge cache, upload
//	                 ├── bootstrap  create an empty local file
//	                 └── none       already consistent
//
// The merge cache is only overwritten after a confirmed upload or download,
// so it is always a valid common ancestor for the next merge.
//
// # Usage
//
//	orch, err := sync.New(sync.DefaultConfig("todo.txt"), local, client, db, sync.Options{
//	    Tokens: db,
//	    Logger: logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer orch.Close()
//
//	if err := orch.Load(ctx); err != nil {
//	    return err
//	}
//	orch.List().Add(task.Parse("(A) call mom"))
//	if err := orch.Sync(ctx); err != nil {
//	    return err
//	}
//
// # Events
//
// Subscribe delivers state changes, list changes, sync errors and flips of
// the unpushed-changes flag. List changes carry Reset=true when the list was
// replaced by load, pull or merge; consumers that save on edits must ignore
// those to avoid a save-sync feedback loop.
//
// # Concurrency
//
// At most one sync per file runs at a time: an overlapping Sync returns
// ErrSyncInProgress without contacting the remote. File I/O, metadata writes
// and list replacement are serialized by an internal mutex. The list itself
// may be edited at any time; edits made while a pull or merge is on the
// network are re-applied on top of its result and kept as unpushed changes.
//
// A Lease (see Hold) lets a coordinator run several syncs on a file as one
// compound operation while independent syncs are refused.
package sync
