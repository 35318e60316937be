package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/sessionforge/assistant-core/internal/infrastructure/config"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/shared/types"
)

// ErrCheckpointNotFound indicates the turn's checkpoint was never captured
// or has already been evicted from the ring.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Workspace is the file access surface the snapshot store reads from.
type Workspace interface {
	// TrackedFiles lists workspace-relative paths of files worth backing up.
	TrackedFiles(ctx context.Context) ([]string, error)
	ReadFile(path string) ([]byte, error)
}

// entry is one ring slot. File contents are held zstd-compressed; the
// uncompressed form is materialized only on Lookup.
type entry struct {
	id        string
	sessionID string
	turnID    string
	timestamp time.Time
	files     []backedFile
}

type backedFile struct {
	path       string
	compressed []byte
	rawSize    int
	existed    bool
}

// Store is a bounded in-memory ring of turn checkpoints.
type Store struct {
	cfg       config.SnapshotConfig
	workspace Workspace
	log       *logging.Logger
	metrics   *monitoring.Metrics

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu      sync.Mutex
	entries []*entry // oldest first
}

// New creates a snapshot store over the given workspace.
func New(cfg config.SnapshotConfig, workspace Workspace, log *logging.Logger, metrics *monitoring.Metrics) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	return &Store{
		cfg:       cfg,
		workspace: workspace,
		log:       log.Component("snapshot"),
		metrics:   metrics,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Capture backs up every tracked file before a turn starts.
//
// Unreadable and oversized files are skipped with a warning rather than
// failing the capture: a partial checkpoint still protects every file it
// holds. Capturing the same turn twice replaces the earlier checkpoint.
func (s *Store) Capture(ctx context.Context, sessionID, turnID string) error {
	paths, err := s.workspace.TrackedFiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate workspace: %w", err)
	}

	files := make([]backedFile, 0, len(paths))
	for _, path := range paths {
		content, err := s.workspace.ReadFile(path)
		if err != nil {
			s.log.Warn("skipping unreadable file in checkpoint",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if int64(len(content)) > s.cfg.MaxFileSize {
			s.log.Warn("skipping oversized file in checkpoint",
				zap.String("path", path), zap.Int("size", len(content)))
			continue
		}
		files = append(files, backedFile{
			path:       path,
			compressed: s.encoder.EncodeAll(content, nil),
			rawSize:    len(content),
			existed:    true,
		})
	}

	e := &entry{
		id:        uuid.NewString(),
		sessionID: sessionID,
		turnID:    turnID,
		timestamp: time.Now(),
		files:     files,
	}

	s.mu.Lock()
	s.removeTurnLocked(turnID)
	s.entries = append(s.entries, e)
	evicted := 0
	for len(s.entries) > s.cfg.Retention {
		s.entries = s.entries[1:]
		evicted++
	}
	s.mu.Unlock()

	s.metrics.CheckpointsCaptured.Inc()
	for i := 0; i < evicted; i++ {
		s.metrics.CheckpointsEvicted.Inc()
	}
	s.log.Debug("checkpoint captured",
		zap.String("turn_id", turnID),
		zap.Int("files", len(files)),
		zap.Int("evicted", evicted))
	return nil
}

// TrackNewFile records that a file was created during the turn, so a
// rollback of that turn deletes it instead of restoring content.
func (s *Store) TrackNewFile(turnID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findLocked(turnID)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, turnID)
	}
	for _, f := range e.files {
		if f.path == path {
			// Already backed up pre-turn; the original content wins.
			return nil
		}
	}
	e.files = append(e.files, backedFile{path: path, existed: false})
	return nil
}

// Lookup materializes the checkpoint for a turn.
func (s *Store) Lookup(turnID string) (*types.Checkpoint, error) {
	s.mu.Lock()
	e := s.findLocked(turnID)
	if e == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, turnID)
	}
	// Copy the slice header under the lock; compressed blobs are immutable.
	files := make([]backedFile, len(e.files))
	copy(files, e.files)
	cp := &types.Checkpoint{
		ID:        e.turnID,
		SessionID: e.sessionID,
		Timestamp: e.timestamp,
	}
	s.mu.Unlock()

	cp.Files = make([]types.FileBackup, 0, len(files))
	for _, f := range files {
		backup := types.FileBackup{Path: f.path, Existed: f.existed}
		if f.existed {
			content, err := s.decoder.DecodeAll(f.compressed, make([]byte, 0, f.rawSize))
			if err != nil {
				return nil, fmt.Errorf("failed to decompress backup of %s: %w", f.path, err)
			}
			backup.Content = content
		}
		cp.Files = append(cp.Files, backup)
	}
	return cp, nil
}

// Has reports whether a checkpoint exists for the turn.
func (s *Store) Has(turnID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(turnID) != nil
}

// Len returns the number of checkpoints currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Turns lists held turn ids, oldest first.
func (s *Store) Turns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := make([]string, len(s.entries))
	for i, e := range s.entries {
		turns[i] = e.turnID
	}
	return turns
}

// DropSession discards all checkpoints belonging to a session.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.sessionID != sessionID {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
}

func (s *Store) findLocked(turnID string) *entry {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].turnID == turnID {
			return s.entries[i]
		}
	}
	return nil
}

func (s *Store) removeTurnLocked(turnID string) {
	for i, e := range s.entries {
		if e.turnID == turnID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}
