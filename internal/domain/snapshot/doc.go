// Package snapshot captures whole-file backups at turn boundaries.
//
// Each turn gets one checkpoint holding the pre-turn content of every
// tracked file, compressed in memory. The ring is bounded; old checkpoints
// are evicted oldest-first, which also bounds how far back a rollback can
// reach. Files created during a turn are recorded with an existed:false
// marker so rollback knows to delete rather than restore them.
package snapshot
