// Package schedule is the only writer of schedule state.
//
// Create and Update run the buffer-window conflict check and the write in
// one store transaction, then hand the record to the deferred backend under
// the key "schedule_<id>". At fire time the backend calls Fire, which
// re-reads the record and launches the target only when it is still active.
//
// Backend failures never undo a committed write: the record is the source
// of truth and the backend is best-effort delivery on top of it.
package schedule
