// Package types defines the shared data model for the session core.
//
// It contains the session identity and working-state structures owned by the
// registry, the compact metadata projection persisted in the store index, and
// the file-backup structures consumed by the snapshot/rollback engine.
//
// Design notes:
//   - SessionState is the full in-memory working state; SessionMetadata is
//     the durable index projection. They are kept separate on purpose: the
//     index must stay cheap to scan.
//   - AIHistory is an opaque payload. The core persists and returns it
//     verbatim and never inspects it beyond top-level array framing.
package types
