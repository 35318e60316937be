package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sessionforge/assistant-core/internal/infrastructure/config"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/shared/types"
)

const (
	metadataFileName  = "metadata.json"
	messagesFileName  = "messages.json"
	aiHistoryFileName = "ai_history.json"
	usageFileName     = "usage.json"
)

// UIHistoryProvider supplies the UI layer's authoritative view of a session's
// message history. The UI may hold edits not yet reflected in the core's
// copy; the store asks before persisting and falls back to its own copy on
// timeout.
type UIHistoryProvider interface {
	RequestHistory(ctx context.Context, sessionID string) ([]types.SessionMessage, error)
}

// Store persists sessions to a directory tree it owns exclusively.
type Store struct {
	root    string
	cfg     config.StoreConfig
	log     *logging.Logger
	metrics *monitoring.Metrics

	// indexMu serializes index read-modify-write cycles. Per-session data
	// files have no such serialization; callers keep per-session save order.
	indexMu sync.Mutex

	ui UIHistoryProvider

	cleanupLimiter *rate.Limiter
}

// Option configures optional store collaborators.
type Option func(*Store)

// WithUIHistory wires the UI-history exchange into saves.
func WithUIHistory(provider UIHistoryProvider) Option {
	return func(s *Store) { s.ui = provider }
}

// New creates a session store rooted at cfg.Root.
func New(cfg config.StoreConfig, log *logging.Logger, metrics *monitoring.Metrics, opts ...Option) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("session store root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	// Zero-valued configs must still load; errgroup treats a zero limit as
	// "admit nothing" and would park every loader goroutine forever.
	if cfg.LoadParallelism < 1 {
		cfg.LoadParallelism = 1
	}

	s := &Store{
		root:    cfg.Root,
		cfg:     cfg,
		log:     log.Component("store"),
		metrics: metrics,
		// Background cleanup is cheap to skip and expensive to thrash;
		// one run per 30s with a small burst is plenty.
		cleanupLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Save persists a session's full state and refreshes its index entry.
//
// Sessions without user messages are not persisted; abandoned empty sessions
// would only bloat the index. Titles are auto-derived from the first user
// message only while the current title is still a default placeholder; a
// manual rename is preserved verbatim on every later save.
func (s *Store) Save(ctx context.Context, state *types.SessionState) error {
	if state == nil || state.Info.ID == "" {
		return fmt.Errorf("session state with id is required")
	}
	if !state.HasUserMessages() {
		s.log.Debug("skipping save of session without user messages",
			zap.String("session_id", state.Info.ID))
		return nil
	}

	// The UI copy of the message history is authoritative when it answers in
	// time. Everything derived from messages (title, count, index previews)
	// must come from the same copy that lands in messages.json.
	working := *state
	working.Messages = s.resolveMessages(ctx, state)
	working.Info.MessageCount = len(working.Messages)
	s.refreshTitle(&working)

	// Reflect titling back so later saves see the derived title.
	state.Info.Name = working.Info.Name
	state.Info.TitleSource = working.Info.TitleSource

	dir := s.sessionDir(state.Info.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	meta := working.ToMetadata()

	if err := s.writeSessionFiles(dir, &working, working.Messages, meta); err != nil {
		return err
	}

	s.indexMu.Lock()
	err := s.upsertIndexEntry(meta)
	s.indexMu.Unlock()
	if err != nil {
		return err
	}

	s.metrics.SessionsSaved.Inc()
	s.log.Debug("session saved",
		zap.String("session_id", state.Info.ID),
		zap.Int("messages", len(working.Messages)))
	return nil
}

// writeSessionFiles writes all per-session files. A crash between writes
// leaves mixed versions on disk; Load tolerates that.
func (s *Store) writeSessionFiles(dir string, state *types.SessionState, messages []types.SessionMessage, meta types.SessionMetadata) error {
	metaData, err := encodeSmall(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFileName), metaData, 0644); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}

	msgData, err := encodeLarge(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal session messages: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, messagesFileName), msgData, 0644); err != nil {
		return fmt.Errorf("failed to write session messages: %w", err)
	}

	// The AI history blob is written verbatim; the core never re-encodes it.
	history := state.AIHistory.Raw()
	if history == nil {
		history = []byte("[]")
	}
	if err := os.WriteFile(filepath.Join(dir, aiHistoryFileName), history, 0644); err != nil {
		return fmt.Errorf("failed to write ai history: %w", err)
	}

	if state.Info.TokenUsage != nil {
		usageData, err := encodeSmall(state.Info.TokenUsage)
		if err != nil {
			return fmt.Errorf("failed to marshal token usage: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, usageFileName), usageData, 0644); err != nil {
			return fmt.Errorf("failed to write token usage: %w", err)
		}
	}
	return nil
}

// resolveMessages asks the UI layer for its authoritative history copy,
// bounded by the configured timeout. Timeout or error falls back to the
// registry's copy; that is a degraded path, not a failure.
func (s *Store) resolveMessages(ctx context.Context, state *types.SessionState) []types.SessionMessage {
	if s.ui == nil {
		return state.Messages
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.UIHistoryTimeout)
	defer cancel()

	messages, err := s.ui.RequestHistory(reqCtx, state.Info.ID)
	if err != nil {
		s.log.Debug("ui history unavailable, persisting registry copy",
			zap.String("session_id", state.Info.ID),
			errField(err))
		return state.Messages
	}
	if len(messages) == 0 {
		return state.Messages
	}
	return messages
}

// refreshTitle derives a title from the first user message while the
// session still carries a default placeholder. Manual and already-derived
// titles are preserved verbatim.
func (s *Store) refreshTitle(state *types.SessionState) {
	if state.Info.TitleSource == types.TitleManual {
		return
	}
	if state.Info.TitleSource == types.TitleDerived && !types.IsDefaultTitle(state.Info.Name) {
		return
	}
	if !types.IsDefaultTitle(state.Info.Name) {
		// Legacy entry without a title source: a non-placeholder title was
		// chosen by someone, keep it.
		return
	}

	first := state.FirstUserMessage()
	if first == "" {
		return
	}
	state.Info.Name = types.DeriveTitle(first)
	state.Info.TitleSource = types.TitleDerived
}

// Load reads the maxCount most-recently-created sessions.
//
// Sessions load in parallel with per-session fault isolation: a corrupt
// session is logged and skipped, never aborting the batch. Directories
// without an index entry are orphans and are ignored entirely.
func (s *Store) Load(ctx context.Context, maxCount int) ([]*types.SessionState, error) {
	s.indexMu.Lock()
	entries, err := s.readIndex()
	s.indexMu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	// Index is sorted oldest-created first; bounded load takes the tail.
	if maxCount > 0 && len(entries) > maxCount {
		entries = entries[len(entries)-maxCount:]
	}

	results := make([]*types.SessionState, len(entries))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.LoadParallelism)

	for i, entry := range entries {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			state, err := s.loadSession(entry)
			if err != nil {
				s.metrics.LoadFailures.Inc()
				s.log.Warn("skipping unloadable session",
					zap.String("session_id", entry.ID),
					errField(err))
				return nil
			}
			results[i] = state
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	loaded := make([]*types.SessionState, 0, len(results))
	for _, state := range results {
		if state != nil {
			loaded = append(loaded, state)
		}
	}
	s.metrics.SessionsLoaded.Add(float64(len(loaded)))
	return loaded, nil
}

// loadSession reconstructs one session from its directory. The index entry
// is authoritative for identity; missing or corrupt secondary files default
// to empty.
func (s *Store) loadSession(entry types.SessionMetadata) (*types.SessionState, error) {
	dir := s.sessionDir(entry.ID)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("session directory missing: %w", err)
	}

	info := types.SessionInfo{
		ID:           entry.ID,
		Name:         entry.Title,
		TitleSource:  entry.TitleSource,
		Status:       types.StatusIdle,
		CreatedAt:    entry.CreatedAt,
		LastActivity: entry.LastActiveAt,
		MessageCount: entry.MessageCount,
	}

	// Prefer the per-session metadata file when it is intact; the index
	// preview fields may lag one save behind it.
	if data, err := os.ReadFile(filepath.Join(dir, metadataFileName)); err == nil {
		var meta types.SessionMetadata
		if err := decodeSized(data, &meta); err == nil && meta.ID == entry.ID {
			info.Name = meta.Title
			info.TitleSource = meta.TitleSource
			info.CreatedAt = meta.CreatedAt
			info.LastActivity = meta.LastActiveAt
			info.MessageCount = meta.MessageCount
		}
	}

	state := &types.SessionState{Info: info, Model: entry.Model}

	if data, err := os.ReadFile(filepath.Join(dir, messagesFileName)); err == nil {
		var messages []types.SessionMessage
		if err := decodeSized(data, &messages); err == nil {
			state.Messages = messages
		} else {
			s.log.Warn("corrupt message history, defaulting to empty",
				zap.String("session_id", entry.ID), errField(err))
		}
	}
	state.Info.MessageCount = len(state.Messages)

	if data, err := os.ReadFile(filepath.Join(dir, aiHistoryFileName)); err == nil {
		state.AIHistory = types.NewOpaqueHistory(data)
	}

	if data, err := os.ReadFile(filepath.Join(dir, usageFileName)); err == nil {
		var usage types.TokenUsage
		if err := decodeSized(data, &usage); err == nil {
			state.Info.TokenUsage = &usage
		}
	}

	return state, nil
}

// Delete removes a session's directory and index entry. Partial or missing
// files are tolerated.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	return s.removeIndexEntry(id)
}

// CleanupOldSessions keeps the keepCount most-recently-active sessions and
// deletes the directories of the rest, rewriting the index to match.
// Returns the number of sessions removed.
func (s *Store) CleanupOldSessions(ctx context.Context, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return 0, err
	}
	if len(entries) <= keepCount {
		return 0, nil
	}

	// Cleanup orders by last-active, not creation: recently used sessions
	// survive even if they are old.
	byActivity := make([]types.SessionMetadata, len(entries))
	copy(byActivity, entries)
	sort.Slice(byActivity, func(i, j int) bool {
		return byActivity[i].LastActiveAt.After(byActivity[j].LastActiveAt)
	})

	doomed := byActivity[keepCount:]
	doomedIDs := make(map[string]bool, len(doomed))
	for _, entry := range doomed {
		if err := os.RemoveAll(s.sessionDir(entry.ID)); err != nil {
			s.log.Warn("failed to remove session directory during cleanup",
				zap.String("session_id", entry.ID), errField(err))
			continue
		}
		doomedIDs[entry.ID] = true
	}

	kept := entries[:0]
	for _, entry := range entries {
		if !doomedIDs[entry.ID] {
			kept = append(kept, entry)
		}
	}
	if err := s.writeIndex(kept); err != nil {
		return len(doomedIDs), err
	}

	s.metrics.CleanupDeleted.Add(float64(len(doomedIDs)))
	s.log.Info("cleaned up old sessions",
		zap.Int("removed", len(doomedIDs)),
		zap.Int("kept", len(kept)))
	return len(doomedIDs), nil
}

// ScheduleCleanup triggers an asynchronous, rate-limited cleanup run.
// It reconciles "evicted from memory" with "still too many on disk" and is
// allowed to be eventually consistent with the in-memory registry.
func (s *Store) ScheduleCleanup(keepCount int) {
	if !s.cleanupLimiter.Allow() {
		return
	}
	go func() {
		if _, err := s.CleanupOldSessions(context.Background(), keepCount); err != nil {
			s.log.Warn("background cleanup failed", errField(err))
		}
	}()
}

// History pages through the index with an optional case-insensitive title
// filter, ordered by last-active time descending. Per-session message files
// are never touched. Returns the page and the total match count.
func (s *Store) History(offset, limit int, query string) ([]types.SessionMetadata, int, error) {
	s.indexMu.Lock()
	entries, err := s.readIndex()
	s.indexMu.Unlock()
	if err != nil {
		return nil, 0, err
	}

	query = strings.ToLower(strings.TrimSpace(query))
	matched := make([]types.SessionMetadata, 0, len(entries))
	for _, entry := range entries {
		if query == "" || strings.Contains(strings.ToLower(entry.Title), query) {
			matched = append(matched, entry)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastActiveAt.After(matched[j].LastActiveAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *Store) sessionDir(id string) string {
	return filepath.Join(s.root, id)
}

func errField(err error) zap.Field {
	return zap.Error(err)
}
