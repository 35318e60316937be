// Package rollback restores workspace files to a turn boundary.
//
// Restoration is best-effort at file granularity: one unwritable file never
// blocks the rest. When the checkpoint has already left the ring, the
// coordinator falls back to the editor's undo stack, which is lower
// fidelity but better than nothing.
package rollback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sessionforge/assistant-core/internal/domain/snapshot"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/shared/types"
)

// Checkpoints is the snapshot surface the coordinator consumes.
type Checkpoints interface {
	Capture(ctx context.Context, sessionID, turnID string) error
	Lookup(turnID string) (*types.Checkpoint, error)
}

// Workspace is the file mutation surface used during restoration.
type Workspace interface {
	WriteFile(path string, content []byte) error
	DeleteFile(path string) error
	// DirtyDocuments lists open documents with unsaved edits.
	DirtyDocuments() []string
	// Undo pops one step of the editor's undo stack for a document.
	Undo(path string) error
}

// Coordinator reverts workspace state to a turn boundary.
type Coordinator struct {
	checkpoints Checkpoints
	workspace   Workspace
	log         *logging.Logger
	metrics     *monitoring.Metrics
}

// New creates a rollback coordinator.
func New(checkpoints Checkpoints, workspace Workspace, log *logging.Logger, metrics *monitoring.Metrics) *Coordinator {
	return &Coordinator{
		checkpoints: checkpoints,
		workspace:   workspace,
		log:         log.Component("rollback"),
		metrics:     metrics,
	}
}

// PrepareTurn captures the pre-turn checkpoint. Call before any file edits
// for the turn are applied.
func (c *Coordinator) PrepareTurn(ctx context.Context, sessionID, turnID string) error {
	if err := c.checkpoints.Capture(ctx, sessionID, turnID); err != nil {
		return fmt.Errorf("failed to capture pre-turn state: %w", err)
	}
	return nil
}

// RevertTo restores every file recorded in the turn's checkpoint.
//
// Files backed up with content are rewritten; files marked as created
// during the turn are deleted. Failures are collected per file and never
// abort the remaining restorations. A missing checkpoint triggers the
// editor-undo fallback.
func (c *Coordinator) RevertTo(ctx context.Context, turnID string) (types.RevertResult, error) {
	cp, err := c.checkpoints.Lookup(turnID)
	if errors.Is(err, snapshot.ErrCheckpointNotFound) {
		return c.fallback(turnID)
	}
	if err != nil {
		return types.RevertResult{}, err
	}

	var result types.RevertResult
	for _, f := range cp.Files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if f.Existed {
			if err := c.workspace.WriteFile(f.Path, f.Content); err != nil {
				result.Failed = append(result.Failed, types.FileError{Path: f.Path, Err: err.Error()})
				c.metrics.FileRestoreFailures.Inc()
				c.log.Warn("failed to restore file",
					zap.String("path", f.Path), zap.Error(err))
				continue
			}
			result.Restored++
			c.metrics.FilesRestored.Inc()
		} else {
			if err := c.workspace.DeleteFile(f.Path); err != nil {
				result.Failed = append(result.Failed, types.FileError{Path: f.Path, Err: err.Error()})
				c.metrics.FileRestoreFailures.Inc()
				c.log.Warn("failed to delete turn-created file",
					zap.String("path", f.Path), zap.Error(err))
				continue
			}
			result.Deleted++
			c.metrics.FilesDeleted.Inc()
		}
	}

	c.log.Info("rollback complete",
		zap.String("turn_id", turnID),
		zap.Int("restored", result.Restored),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// fallback pops one undo step on every dirty document. Each document is
// undone at most once per revert; the editor owns the undo granularity.
func (c *Coordinator) fallback(turnID string) (types.RevertResult, error) {
	result := types.RevertResult{Fallback: true}
	c.metrics.RollbackFallbacks.Inc()
	c.log.Warn("checkpoint unavailable, using editor-undo fallback",
		zap.String("turn_id", turnID))

	for _, path := range c.workspace.DirtyDocuments() {
		if err := c.workspace.Undo(path); err != nil {
			result.Failed = append(result.Failed, types.FileError{Path: path, Err: err.Error()})
			continue
		}
		result.Restored++
	}
	return result, nil
}
