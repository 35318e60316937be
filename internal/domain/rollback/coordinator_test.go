package rollback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/assistant-core/internal/domain/snapshot"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/shared/types"
)

type fakeCheckpoints struct {
	checkpoints map[string]*types.Checkpoint
	captured    []string
	captureErr  error
}

func (f *fakeCheckpoints) Capture(_ context.Context, sessionID, turnID string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captured = append(f.captured, turnID)
	return nil
}

func (f *fakeCheckpoints) Lookup(turnID string) (*types.Checkpoint, error) {
	cp, ok := f.checkpoints[turnID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrCheckpointNotFound, turnID)
	}
	return cp, nil
}

type fakeWorkspace struct {
	files    map[string][]byte
	writeErr map[string]error
	dirty    []string
	undone   []string
	undoErr  map[string]error
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		files:    map[string][]byte{},
		writeErr: map[string]error{},
		undoErr:  map[string]error{},
	}
}

func (w *fakeWorkspace) WriteFile(path string, content []byte) error {
	if err, ok := w.writeErr[path]; ok {
		return err
	}
	w.files[path] = content
	return nil
}

func (w *fakeWorkspace) DeleteFile(path string) error {
	if err, ok := w.writeErr[path]; ok {
		return err
	}
	delete(w.files, path)
	return nil
}

func (w *fakeWorkspace) DirtyDocuments() []string { return w.dirty }

func (w *fakeWorkspace) Undo(path string) error {
	if err, ok := w.undoErr[path]; ok {
		return err
	}
	w.undone = append(w.undone, path)
	return nil
}

func newCoordinator(cps *fakeCheckpoints, ws *fakeWorkspace) *Coordinator {
	return New(cps, ws, logging.NewNop(), monitoring.Nop())
}

func TestRevertRestoresAndDeletes(t *testing.T) {
	cps := &fakeCheckpoints{checkpoints: map[string]*types.Checkpoint{
		"turn_1": {
			ID:        "turn_1",
			SessionID: "sess_1",
			Files: []types.FileBackup{
				{Path: "main.go", Content: []byte("original"), Existed: true},
				{Path: "generated.go", Existed: false},
			},
		},
	}}
	ws := newFakeWorkspace()
	ws.files["main.go"] = []byte("mutated")
	ws.files["generated.go"] = []byte("new file")

	result, err := newCoordinator(cps, ws).RevertTo(context.Background(), "turn_1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Restored)
	assert.Equal(t, 1, result.Deleted)
	assert.Empty(t, result.Failed)
	assert.False(t, result.Fallback)

	assert.Equal(t, []byte("original"), ws.files["main.go"])
	_, exists := ws.files["generated.go"]
	assert.False(t, exists)
}

func TestRevertIsolatesPerFileFailures(t *testing.T) {
	cps := &fakeCheckpoints{checkpoints: map[string]*types.Checkpoint{
		"turn_1": {
			ID: "turn_1",
			Files: []types.FileBackup{
				{Path: "locked.go", Content: []byte("a"), Existed: true},
				{Path: "ok.go", Content: []byte("b"), Existed: true},
			},
		},
	}}
	ws := newFakeWorkspace()
	ws.writeErr["locked.go"] = errors.New("file locked")

	result, err := newCoordinator(cps, ws).RevertTo(context.Background(), "turn_1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Restored)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "locked.go", result.Failed[0].Path)
	assert.True(t, result.Partial())
	assert.Equal(t, []byte("b"), ws.files["ok.go"])
}

func TestRevertFallsBackToEditorUndo(t *testing.T) {
	cps := &fakeCheckpoints{checkpoints: map[string]*types.Checkpoint{}}
	ws := newFakeWorkspace()
	ws.dirty = []string{"a.go", "b.go"}
	ws.undoErr["b.go"] = errors.New("undo stack empty")

	result, err := newCoordinator(cps, ws).RevertTo(context.Background(), "turn_gone")
	require.NoError(t, err)

	assert.True(t, result.Fallback)
	assert.Equal(t, 1, result.Restored)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "b.go", result.Failed[0].Path)
	// Each dirty document is undone at most once.
	assert.Equal(t, []string{"a.go"}, ws.undone)
}

func TestRevertHonorsContextCancellation(t *testing.T) {
	cps := &fakeCheckpoints{checkpoints: map[string]*types.Checkpoint{
		"turn_1": {
			ID: "turn_1",
			Files: []types.FileBackup{
				{Path: "a.go", Content: []byte("a"), Existed: true},
			},
		},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newCoordinator(cps, newFakeWorkspace()).RevertTo(ctx, "turn_1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrepareTurnDelegatesCapture(t *testing.T) {
	cps := &fakeCheckpoints{checkpoints: map[string]*types.Checkpoint{}}
	c := newCoordinator(cps, newFakeWorkspace())

	require.NoError(t, c.PrepareTurn(context.Background(), "sess_1", "turn_1"))
	assert.Equal(t, []string{"turn_1"}, cps.captured)

	cps.captureErr = errors.New("workspace unreadable")
	assert.Error(t, c.PrepareTurn(context.Background(), "sess_1", "turn_2"))
}
