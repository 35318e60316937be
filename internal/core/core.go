// Package core assembles the session subsystem for embedding hosts.
//
// The host supplies the engine factory and, optionally, an editor-backed
// workspace; everything else is wired here from configuration. Core owns no
// network surface: embedders call it in-process.
package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sessionforge/assistant-core/internal/domain/registry"
	"github.com/sessionforge/assistant-core/internal/domain/rollback"
	"github.com/sessionforge/assistant-core/internal/domain/snapshot"
	"github.com/sessionforge/assistant-core/internal/infrastructure/config"
	"github.com/sessionforge/assistant-core/internal/infrastructure/monitoring"
	"github.com/sessionforge/assistant-core/internal/logging"
	"github.com/sessionforge/assistant-core/internal/store"
	"github.com/sessionforge/assistant-core/internal/workspace"
)

// EditorWorkspace is the host-side workspace surface. An editor embedder
// implements it over its document model; headless hosts can pass nil and
// get a filesystem workspace rooted at the store's workspace root.
type EditorWorkspace interface {
	snapshot.Workspace
	rollback.Workspace
}

// Options configures the assembly.
type Options struct {
	Config *config.Config
	// Engines creates per-session AI engine attachments. Required.
	Engines registry.EngineFactory
	// Workspace overrides the default filesystem workspace.
	Workspace EditorWorkspace
	// WorkspaceRoot is the directory a default filesystem workspace covers.
	// Ignored when Workspace is set.
	WorkspaceRoot string
	// UIHistoryRequest, when set, lets saves ask the UI layer for the
	// rendered message history before falling back to the in-memory copy.
	UIHistoryRequest store.RequestFunc
	// Metrics defaults to a registry-backed instance on the default
	// Prometheus registerer.
	Metrics *monitoring.Metrics
}

// Core is the assembled session subsystem.
type Core struct {
	Config      *config.Config
	Log         *logging.Logger
	Metrics     *monitoring.Metrics
	Registry    *registry.Manager
	Store       *store.Store
	Checkpoints *snapshot.Store
	Rollback    *rollback.Coordinator

	// Broker is non-nil when UIHistoryRequest was provided; the host calls
	// Broker.Resolve when the UI responds.
	Broker *store.HistoryBroker
}

// New assembles the session subsystem.
func New(opts Options) (*Core, error) {
	if opts.Engines == nil {
		return nil, fmt.Errorf("engine factory is required")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.LoadOrDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.New()
	}

	var storeOpts []store.Option
	var broker *store.HistoryBroker
	if opts.UIHistoryRequest != nil {
		broker = store.NewHistoryBroker(opts.UIHistoryRequest)
		storeOpts = append(storeOpts, store.WithUIHistory(broker))
	}

	st, err := store.New(cfg.Store, log, metrics, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	ws := opts.Workspace
	if ws == nil {
		root := opts.WorkspaceRoot
		if root == "" {
			return nil, fmt.Errorf("either a workspace or a workspace root is required")
		}
		local, err := workspace.NewLocal(root, workspace.WithMaxFileSize(cfg.Snapshot.MaxFileSize))
		if err != nil {
			return nil, fmt.Errorf("failed to open workspace: %w", err)
		}
		ws = local
	}

	checkpoints, err := snapshot.New(cfg.Snapshot, ws, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}

	return &Core{
		Config:      cfg,
		Log:         log,
		Metrics:     metrics,
		Registry:    registry.NewManager(cfg.Registry, opts.Engines, st, log, metrics),
		Store:       st,
		Checkpoints: checkpoints,
		Rollback:    rollback.New(checkpoints, ws, log, metrics),
		Broker:      broker,
	}, nil
}

// Restore loads recent sessions from disk into memory, up to the registry
// capacity, and schedules background disk cleanup. Call once at startup.
func (c *Core) Restore(ctx context.Context) (int, error) {
	limit := c.Config.Store.DefaultLoadCount
	if limit > c.Config.Registry.MaxSessions {
		limit = c.Config.Registry.MaxSessions
	}

	states, err := c.Store.Load(ctx, limit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, state := range states {
		if err := c.Registry.Adopt(state); err != nil {
			c.Log.Warn("failed to adopt persisted session",
				zap.String("session_id", state.Info.ID), zap.Error(err))
			continue
		}
		restored++
	}

	c.Store.ScheduleCleanup(c.Config.Store.KeepOnDisk)
	return restored, nil
}

// Shutdown persists every in-memory session and releases engine handles.
func (c *Core) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, info := range c.Registry.List() {
		if err := c.Registry.Save(ctx, info.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.Registry.Close()
	_ = c.Log.Sync()
	return firstErr
}
