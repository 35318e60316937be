package types

import "time"

// FileBackup captures whole-file content at a point in time.
// Existed=false marks a file that did not exist before the turn, so
// rollback must delete it rather than overwrite it.
type FileBackup struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Existed bool   `json:"existed"`
}

// Checkpoint is the captured pre-turn file state for one turn boundary.
// Checkpoints are never mutated, only superseded or evicted.
type Checkpoint struct {
	ID        string       `json:"id"` // turn id
	SessionID string       `json:"session_id"`
	Timestamp time.Time    `json:"timestamp"`
	Files     []FileBackup `json:"files"`
}

// FileError records one file's failure during rollback
type FileError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// RevertResult reports the outcome of a rollback.
// Fallback=true means no checkpoint existed and the lower-fidelity
// editor-undo path ran instead; callers must not assume full restoration.
type RevertResult struct {
	Restored int         `json:"restored"`
	Deleted  int         `json:"deleted"`
	Failed   []FileError `json:"failed,omitempty"`
	Fallback bool        `json:"fallback"`
}

// Partial reports whether some files failed while others succeeded
func (r RevertResult) Partial() bool {
	return len(r.Failed) > 0 && (r.Restored > 0 || r.Deleted > 0)
}
