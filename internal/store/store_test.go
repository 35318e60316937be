package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionforge/assistant-core/internal/infrastructure/config"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/shared/types"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	cfg := config.Default().Store
	cfg.Root = t.TempDir()
	s, err := New(cfg, logging.NewNop(), monitoring.Nop(), opts...)
	require.NoError(t, err)
	return s
}

func newSessionState(id string, createdAt time.Time) *types.SessionState {
	state := &types.SessionState{
		Info: types.SessionInfo{
			ID:          id,
			Name:        types.DefaultSessionTitle,
			TitleSource: types.TitleDefault,
			Status:      types.StatusIdle,
			CreatedAt:   createdAt,
		},
	}
	state.AppendMessage(types.SessionMessage{
		ID: id + "-m1", TurnID: "t1", Role: types.RoleUser,
		Content: "please refactor the parser", Timestamp: createdAt,
	})
	state.AppendMessage(types.SessionMessage{
		ID: id + "-m2", TurnID: "t1", Role: types.RoleAssistant,
		Content: "done", Timestamp: createdAt.Add(time.Second),
	})
	return state
}

func TestLoadWithBareConfig(t *testing.T) {
	// A config built by hand rather than through Default() carries zero
	// values; loads must still complete.
	cfg := config.StoreConfig{Root: t.TempDir()}
	s, err := New(cfg, logging.NewNop(), monitoring.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, newSessionState("sess_bare", time.Now())))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "sess_bare", loaded[0].Info.ID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	temp := 0.4
	state := newSessionState("sess_rt", time.Now().Add(-time.Hour))
	state.Model = &types.ModelConfig{Provider: "anthropic", Model: "claude", Temperature: &temp}
	state.AIHistory = types.NewOpaqueHistory([]byte(`[{"role":"user","content":"please refactor the parser"}]`))
	state.Info.TokenUsage = &types.TokenUsage{InputTokens: 12, OutputTokens: 40, TotalTokens: 52}

	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, "sess_rt", got.Info.ID)
	assert.Equal(t, state.Messages, got.Messages)
	assert.JSONEq(t, string(state.AIHistory.Raw()), string(got.AIHistory.Raw()))
	require.NotNil(t, got.Model)
	assert.Equal(t, "claude", got.Model.Model)
	require.NotNil(t, got.Info.TokenUsage)
	assert.Equal(t, 52, got.Info.TokenUsage.TotalTokens)
	assert.Equal(t, 2, got.Info.MessageCount)
}

func TestEmptySessionNeverPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &types.SessionState{Info: types.SessionInfo{
		ID: "sess_empty", Name: types.DefaultSessionTitle, CreatedAt: time.Now(),
	}}
	require.NoError(t, s.Save(ctx, state))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	_, err = os.Stat(filepath.Join(s.Root(), "sess_empty"))
	assert.True(t, os.IsNotExist(err))
}

func TestAutoTitleDerivedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := newSessionState("sess_title", time.Now())
	require.NoError(t, s.Save(ctx, state))
	assert.Equal(t, "please refactor the parser", state.Info.Name)
	assert.Equal(t, types.TitleDerived, state.Info.TitleSource)

	// Manual rename between saves must survive the next save verbatim.
	state.Info.Name = "Parser work"
	state.Info.TitleSource = types.TitleManual
	require.NoError(t, s.Save(ctx, state))
	assert.Equal(t, "Parser work", state.Info.Name)

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "Parser work", loaded[0].Info.Name)
	assert.Equal(t, types.TitleManual, loaded[0].Info.TitleSource)
}

func TestCorruptSessionSkippedNotFatal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	good := newSessionState("sess_good", time.Now().Add(-2*time.Minute))
	bad := newSessionState("sess_bad", time.Now().Add(-time.Minute))
	require.NoError(t, s.Save(ctx, good))
	require.NoError(t, s.Save(ctx, bad))

	// Remove the bad session's directory; its index entry remains.
	require.NoError(t, os.RemoveAll(filepath.Join(s.Root(), "sess_bad")))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "sess_good", loaded[0].Info.ID)
}

func TestCorruptSecondaryFilesDefaultToEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := newSessionState("sess_partial", time.Now())
	state.AIHistory = types.NewOpaqueHistory([]byte(`[1,2,3]`))
	require.NoError(t, s.Save(ctx, state))

	dir := filepath.Join(s.Root(), "sess_partial")
	require.NoError(t, os.WriteFile(filepath.Join(dir, messagesFileName), []byte("{not json"), 0644))
	require.NoError(t, os.Remove(filepath.Join(dir, usageFileName)))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Empty(t, loaded[0].Messages)
	assert.Equal(t, 0, loaded[0].Info.MessageCount)
	assert.Nil(t, loaded[0].Info.TokenUsage)
}

func TestOrphanDirectoryIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, newSessionState("sess_indexed", time.Now())))

	// A directory with no index entry must never be adopted.
	orphan := filepath.Join(s.Root(), "sess_orphan")
	require.NoError(t, os.MkdirAll(orphan, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, metadataFileName), []byte(`{"id":"sess_orphan"}`), 0644))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "sess_indexed", loaded[0].Info.ID)
}

func TestBoundedLoadTakesMostRecentlyCreated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		state := newSessionState(fmt.Sprintf("sess_%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Save(ctx, state))
	}

	loaded, err := s.Load(ctx, 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	ids := []string{loaded[0].Info.ID, loaded[1].Info.ID}
	assert.ElementsMatch(t, []string{"sess_3", "sess_4"}, ids)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, newSessionState("sess_del", time.Now())))
	require.NoError(t, s.Delete(ctx, "sess_del"))

	loaded, err := s.Load(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	// Deleting again is harmless
	require.NoError(t, s.Delete(ctx, "sess_del"))
}

func TestCleanupOldSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		state := newSessionState(fmt.Sprintf("sess_%d", i), base)
		state.Info.LastActivity = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Save(ctx, state))
	}

	removed, err := s.CleanupOldSessions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	page, total, err := s.History(0, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	// Survivors are the most recently active
	assert.Equal(t, "sess_5", page[0].ID)
	assert.Equal(t, "sess_4", page[1].ID)

	for i := 0; i < 4; i++ {
		_, err := os.Stat(filepath.Join(s.Root(), fmt.Sprintf("sess_%d", i)))
		assert.True(t, os.IsNotExist(err), "directory for sess_%d should be gone", i)
	}
}

func TestCleanupKeepsEverythingWhenUnderLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, newSessionState("sess_only", time.Now())))

	removed, err := s.CleanupOldSessions(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestHistoryPaginationAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	titles := []string{"Fix login bug", "Refactor parser", "Parser tests", "Deploy docs"}
	for i, title := range titles {
		state := newSessionState(fmt.Sprintf("sess_%d", i), base.Add(time.Duration(i)*time.Minute))
		state.Info.Name = title
		state.Info.TitleSource = types.TitleManual
		state.Info.LastActivity = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Save(ctx, state))
	}

	page, total, err := s.History(0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, "Deploy docs", page[0].Title)

	page, total, err = s.History(0, 10, "PARSER")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "Parser tests", page[0].Title)
	assert.Equal(t, "Refactor parser", page[1].Title)

	page, total, err = s.History(10, 5, "")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Empty(t, page)
}

func TestIndexSortedByCreationTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	// Save out of creation order; index must still sort by CreatedAt.
	for _, i := range []int{2, 0, 1} {
		state := newSessionState(fmt.Sprintf("sess_%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Save(ctx, state))
	}

	s.indexMu.Lock()
	entries, err := s.readIndex()
	s.indexMu.Unlock()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "sess_0", entries[0].ID)
	assert.Equal(t, "sess_1", entries[1].ID)
	assert.Equal(t, "sess_2", entries[2].ID)
}
