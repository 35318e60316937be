// Package store implements durable, indexed, per-session storage.
//
// It is the only component that touches the filesystem for session data.
// Each session owns a directory with independent files for metadata, message
// history, the opaque AI-history blob, and usage stats. A single shared index
// file enumerates all sessions' metadata, sorted by creation time; the index
// is the source of truth for which sessions exist, and a session directory
// without an index entry is orphaned and never adopted.
//
// Layout:
//
//	<root>/
//	  index.json
//	  <session-id>/
//	    metadata.json
//	    messages.json
//	    ai_history.json
//	    usage.json
//
// Crash tolerance: writing a session rewrites all of its files, so a crash
// mid-write can leave one file updated and others stale. Load tolerates this
// by defaulting missing or corrupt secondary files to empty instead of
// failing the whole session.
package store
