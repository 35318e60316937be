package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sessionforge/assistant-core/internal/infrastructure/config"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/infrastructure/resilience"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/shared/id"
	"github.com/sessionforge/assistant-core/internal/shared/types"
)

var (
	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrCapacityExceeded indicates the registry is full and nothing is
	// evictable; the caller must close a session manually.
	ErrCapacityExceeded = errors.New("session capacity exceeded, close a session first")
	// ErrLastSession refuses deletion of the only remaining session.
	ErrLastSession = errors.New("cannot delete the last remaining session")
	// ErrInvalidTransition indicates a disallowed status change.
	ErrInvalidTransition = errors.New("invalid session status transition")
)

// EngineHandle is the externally-owned AI engine attachment for one session.
type EngineHandle interface {
	Close() error
}

// EngineFactory performs the potentially slow external engine setup.
type EngineFactory interface {
	NewEngine(ctx context.Context, sessionID string, model *types.ModelConfig) (EngineHandle, error)
}

// Store is the persistence surface the registry depends on.
type Store interface {
	Save(ctx context.Context, state *types.SessionState) error
	Delete(ctx context.Context, id string) error
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Name  string
	Model *types.ModelConfig
	// ActivateImmediately defaults to true when nil.
	ActivateImmediately *bool
}

type managedSession struct {
	state  *types.SessionState
	engine EngineHandle
}

// Manager is the in-memory session registry.
type Manager struct {
	cfg     config.RegistryConfig
	engines EngineFactory
	store   Store
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu        sync.RWMutex
	sessions  map[string]*managedSession
	currentID string

	initGroup singleflight.Group
	guard     *resilience.Guard
}

// NewManager creates a session registry.
func NewManager(cfg config.RegistryConfig, engines EngineFactory, store Store, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		cfg:      cfg,
		engines:  engines,
		store:    store,
		log:      log.Component("registry"),
		metrics:  metrics,
		sessions: make(map[string]*managedSession),
		guard:    resilience.NewGuard(resilience.Settings{}),
	}
}

// Create registers a new session and returns its id.
//
// No external engine work happens here; the engine handle stays nil until
// the first EnsureInitialized call, so creating N sessions is O(1) each.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	name := req.Name
	titleSource := types.TitleManual
	if name == "" {
		name = types.DefaultSessionTitle
		titleSource = types.TitleDefault
	} else if err := types.ValidateSessionName(name); err != nil {
		return "", err
	}

	m.mu.Lock()

	var victim *types.SessionState
	if len(m.sessions) >= m.cfg.MaxSessions {
		var err error
		if victim, err = m.evictLocked(); err != nil {
			m.mu.Unlock()
			return "", err
		}
	}

	now := time.Now()
	sessionID := id.NewSessionID().String()
	state := &types.SessionState{
		Info: types.SessionInfo{
			ID:           sessionID,
			Name:         name,
			TitleSource:  titleSource,
			Status:       types.StatusIdle,
			CreatedAt:    now,
			LastActivity: now,
		},
		Model: req.Model,
	}
	m.sessions[sessionID] = &managedSession{state: state}

	if req.ActivateImmediately == nil || *req.ActivateImmediately {
		m.activateLocked(sessionID)
	}

	m.metrics.SessionsCreated.Inc()
	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	// Persist the evicted session outside the lock: in-memory eviction must
	// not lose history, and disk latency must not stall registry operations.
	if victim != nil {
		if err := m.store.Save(ctx, victim); err != nil {
			m.log.Warn("failed to persist session during eviction",
				zap.String("session_id", victim.Info.ID), zap.Error(err))
		}
	}

	m.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("name", name))
	return sessionID, nil
}

// Adopt inserts a session restored from disk. The session comes in Idle
// with no engine handle and never becomes current; activation is an
// explicit Switch. Full registries reject further adoptions.
func (m *Manager) Adopt(state *types.SessionState) error {
	if state == nil || state.Info.ID == "" {
		return errors.New("cannot adopt session without an id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[state.Info.ID]; exists {
		return fmt.Errorf("session already loaded: %s", state.Info.ID)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return ErrCapacityExceeded
	}

	adopted := cloneState(state)
	adopted.Info.Status = types.StatusIdle
	m.sessions[state.Info.ID] = &managedSession{state: adopted}
	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	return nil
}

// Close releases every engine handle without persisting anything.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, sess := range m.sessions {
		m.disposeEngineLocked(sess, sid)
	}
}

// Switch makes the target session current.
func (m *Manager) Switch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	m.activateLocked(sessionID)
	return nil
}

// activateLocked transitions the previous current session Active → Idle and
// the target to Active. Caller must hold the write lock.
func (m *Manager) activateLocked(sessionID string) {
	if m.currentID == sessionID {
		m.sessions[sessionID].state.Info.LastActivity = time.Now()
		return
	}

	if prev, ok := m.sessions[m.currentID]; ok && prev.state.Info.Status == types.StatusActive {
		prev.state.Info.Status = types.StatusIdle
	}

	target := m.sessions[sessionID]
	target.state.Info.Status = types.StatusActive
	target.state.Info.LastActivity = time.Now()
	m.currentID = sessionID
}

// Delete removes a session from memory and disk.
//
// The registry must always hold at least one session once initialized.
// Engine teardown failures are logged and swallowed: holding a broken
// handle is worse than leaking external resources.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if len(m.sessions) == 1 {
		m.mu.Unlock()
		return ErrLastSession
	}

	m.disposeEngineLocked(sess, sessionID)
	sess.state.Info.Status = types.StatusClosed
	delete(m.sessions, sessionID)

	if m.currentID == sessionID {
		m.currentID = ""
		if next := m.mostRecentlyActiveLocked(); next != "" {
			m.activateLocked(next)
		}
	}
	m.metrics.SessionsDeleted.Inc()
	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.log.Info("session deleted", zap.String("session_id", sessionID))

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("session removed from memory but disk cleanup failed: %w", err)
	}
	return nil
}

// InfoPatch is a shallow merge applied to a session's info.
// Nil fields are left untouched; unknown sessions are the only rejection.
type InfoPatch struct {
	Name       *string
	Status     *types.SessionStatus
	TokenUsage *types.TokenUsage
	Model      *types.ModelConfig
}

// UpdateInfo applies a partial update and bumps LastActivity.
func (m *Manager) UpdateInfo(sessionID string, patch InfoPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	info := &sess.state.Info
	if patch.Name != nil {
		if err := types.ValidateSessionName(*patch.Name); err != nil {
			return err
		}
		info.Name = *patch.Name
		info.TitleSource = types.TitleManual
	}
	if patch.Status != nil {
		info.Status = *patch.Status
	}
	if patch.TokenUsage != nil {
		info.TokenUsage = patch.TokenUsage
	}
	if patch.Model != nil {
		sess.state.Model = patch.Model
	}
	info.LastActivity = time.Now()
	return nil
}

// BeginProcessing marks the session as running a turn.
// Only the Active session may enter Processing.
func (m *Manager) BeginProcessing(sessionID string) error {
	return m.transition(sessionID, types.StatusProcessing)
}

// EndProcessing finishes a turn. The session returns to Active only while
// it is still current; if the user switched away mid-turn it lands on Idle,
// keeping at most one Active session at all times.
func (m *Manager) EndProcessing(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	from := sess.state.Info.Status
	to := types.StatusActive
	if sessionID != m.currentID {
		to = types.StatusIdle
	}
	if from != types.StatusProcessing {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	sess.state.Info.Status = to
	sess.state.Info.LastActivity = time.Now()
	return nil
}

func (m *Manager) transition(sessionID string, to types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	from := sess.state.Info.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	sess.state.Info.Status = to
	sess.state.Info.LastActivity = time.Now()
	return nil
}

// EnsureInitialized returns the session's engine handle, performing the slow
// external setup exactly once per session even under concurrent calls.
func (m *Manager) EnsureInitialized(ctx context.Context, sessionID string) (EngineHandle, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.engine != nil {
		engine := sess.engine
		m.mu.RUnlock()
		return engine, nil
	}
	model := sess.state.Model
	m.mu.RUnlock()

	result, err, _ := m.initGroup.Do(sessionID, func() (interface{}, error) {
		// Re-check: a previous flight may have initialized it already.
		m.mu.RLock()
		current, ok := m.sessions[sessionID]
		if ok && current.engine != nil {
			engine := current.engine
			m.mu.RUnlock()
			return engine, nil
		}
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}

		if err := m.guard.Allow(); err != nil {
			m.metrics.EngineInits.WithLabelValues("rejected").Inc()
			return nil, err
		}

		initCtx, cancel := context.WithTimeout(ctx, m.cfg.EngineInitTimeout)
		defer cancel()

		engine, err := m.engines.NewEngine(initCtx, sessionID, model)
		m.guard.Record(err == nil)
		if err != nil {
			m.metrics.EngineInits.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("engine initialization failed: %w", err)
		}
		m.metrics.EngineInits.WithLabelValues("ok").Inc()

		m.mu.Lock()
		if current, ok := m.sessions[sessionID]; ok {
			current.engine = engine
		} else {
			// Session vanished while initializing; don't leak the handle.
			if cerr := engine.Close(); cerr != nil {
				m.log.Warn("failed to close engine for removed session", zap.Error(cerr))
			}
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		m.mu.Unlock()

		m.log.Info("engine initialized", zap.String("session_id", sessionID))
		return engine, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(EngineHandle), nil
}

// AppendMessage records a message on a session.
func (m *Manager) AppendMessage(sessionID string, msg types.SessionMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if msg.ID == "" {
		msg.ID = id.NewMessageID().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sess.state.AppendMessage(msg)
	return nil
}

// SetAIHistory replaces a session's opaque engine history blob.
func (m *Manager) SetAIHistory(sessionID string, history types.OpaqueHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.state.AIHistory = history
	return nil
}

// TruncateToTurn drops the given turn and everything after it, used by
// rollback to rewind the conversation to a turn boundary.
func (m *Manager) TruncateToTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !sess.state.TruncateToTurn(turnID) {
		m.log.Warn("truncate target turn not found in history",
			zap.String("session_id", sessionID),
			zap.String("turn_id", turnID))
	}
	return nil
}

// Save persists a session through the store. Messages and AI history are
// persisted together; ordering per session is the caller's responsibility.
func (m *Manager) Save(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	snapshot := cloneState(sess.state)
	m.mu.RUnlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		return err
	}

	// Title derivation happens in the store; reflect it back.
	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.state.Info.Name = snapshot.Info.Name
		sess.state.Info.TitleSource = snapshot.Info.TitleSource
	}
	m.mu.Unlock()
	return nil
}

// Current returns the id of the active session, or empty if none.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentID
}

// Get returns a copy of a session's state.
func (m *Manager) Get(sessionID string) (*types.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return cloneState(sess.state), nil
}

// List returns all sessions' info, most recently active first.
func (m *Manager) List() []types.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]types.SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.state.Info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	return infos
}

// Count returns the number of sessions in memory.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// evictLocked removes the least-recently-active session that is neither
// Processing nor current, returning its state for persistence by the
// caller after the lock is released. Caller must hold the write lock.
func (m *Manager) evictLocked() (*types.SessionState, error) {
	victimID := ""
	var victimActivity time.Time
	for sid, sess := range m.sessions {
		if sid == m.currentID || sess.state.Info.Status == types.StatusProcessing {
			continue
		}
		if victimID == "" || sess.state.Info.LastActivity.Before(victimActivity) {
			victimID = sid
			victimActivity = sess.state.Info.LastActivity
		}
	}
	if victimID == "" {
		return nil, ErrCapacityExceeded
	}

	victim := m.sessions[victimID]
	state := cloneState(victim.state)
	m.disposeEngineLocked(victim, victimID)
	delete(m.sessions, victimID)
	m.metrics.SessionsEvicted.Inc()

	m.log.Info("session evicted",
		zap.String("session_id", victimID),
		zap.Time("last_activity", victimActivity))
	return state, nil
}

func (m *Manager) disposeEngineLocked(sess *managedSession, sessionID string) {
	if sess.engine == nil {
		return
	}
	if err := sess.engine.Close(); err != nil {
		m.log.Warn("engine teardown failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	sess.engine = nil
}

// mostRecentlyActiveLocked picks the successor after deleting the current
// session. Caller must hold the write lock.
func (m *Manager) mostRecentlyActiveLocked() string {
	best := ""
	var bestActivity time.Time
	for sid, sess := range m.sessions {
		if best == "" || sess.state.Info.LastActivity.After(bestActivity) {
			best = sid
			bestActivity = sess.state.Info.LastActivity
		}
	}
	return best
}

func cloneState(state *types.SessionState) *types.SessionState {
	cp := &types.SessionState{
		Info:      state.Info,
		Messages:  make([]types.SessionMessage, len(state.Messages)),
		AIHistory: state.AIHistory.Clone(),
	}
	copy(cp.Messages, state.Messages)
	if state.Model != nil {
		model := *state.Model
		cp.Model = &model
	}
	if state.Info.TokenUsage != nil {
		usage := *state.Info.TokenUsage
		cp.Info.TokenUsage = &usage
	}
	return cp
}
