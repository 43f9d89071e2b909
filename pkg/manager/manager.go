// Package manager exposes the datasource session surface consumed by the
// notebook query handlers: session-scoped connections, datasource sync,
// and query execution with rewrite and diagnostics.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/duckhub/pkg/catalog"
	"github.com/txn2/duckhub/pkg/diagnose"
	"github.com/txn2/duckhub/pkg/engine"
	"github.com/txn2/duckhub/pkg/rewrite"
	"github.com/txn2/duckhub/pkg/sessions"
)

const defaultQueryTimeout = 2 * time.Minute

// Config configures the manager.
type Config struct {
	// Registry owns the engine sessions.
	Registry *sessions.Registry

	// Catalog resolves datasource IDs during sync.
	Catalog catalog.Resolver

	// QueryTimeout bounds each query execution.
	QueryTimeout time.Duration
}

// Manager is the caller-facing facade over the session registry. One
// Manager instance is shared by all request handlers.
type Manager struct {
	registry     *sessions.Registry
	catalog      catalog.Resolver
	rewriter     *rewrite.Rewriter
	queryTimeout time.Duration
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("manager: registry is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("manager: catalog is required")
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	rewriter, err := rewrite.New()
	if err != nil {
		return nil, fmt.Errorf("manager: creating rewriter: %w", err)
	}

	return &Manager{
		registry:     cfg.Registry,
		catalog:      cfg.Catalog,
		rewriter:     rewriter,
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

// GetConnection borrows an engine connection for the conversation,
// implicitly creating the session on first use.
func (m *Manager) GetConnection(ctx context.Context, conversationID, workspace string) (engine.Conn, error) {
	s, err := m.registry.GetOrCreate(ctx, sessions.Key{ConversationID: conversationID, Workspace: workspace})
	if err != nil {
		return nil, err
	}
	return s.Borrow(ctx)
}

// ReturnConnection gives a borrowed connection back to its session pool.
func (m *Manager) ReturnConnection(conversationID, workspace string, conn engine.Conn) {
	if s, ok := m.registry.Get(sessions.Key{ConversationID: conversationID, Workspace: workspace}); ok {
		s.Release(conn)
	}
}

// SyncDatasources reconciles the session's attached set against
// datasourceIDs. A nil resolver uses the manager's catalog.
func (m *Manager) SyncDatasources(ctx context.Context, conversationID, workspace string, datasourceIDs []string, resolver catalog.Resolver, detachUnlisted bool) (*sessions.SyncResult, error) {
	if resolver == nil {
		resolver = m.catalog
	}
	s, err := m.registry.GetOrCreate(ctx, sessions.Key{ConversationID: conversationID, Workspace: workspace})
	if err != nil {
		return nil, err
	}
	return s.Sync(ctx, resolver, datasourceIDs, detachUnlisted)
}

// ResetSyncCache forces the next sync for the conversation to perform a
// full reconciliation. Unknown sessions are a no-op.
func (m *Manager) ResetSyncCache(conversationID, workspace string) {
	if s, ok := m.registry.Get(sessions.Key{ConversationID: conversationID, Workspace: workspace}); ok {
		s.ResetSyncCache()
	}
}

// QueryError carries the attachment diagnostics gathered after a
// catalog-class query failure.
type QueryError struct {
	Report *diagnose.Report
	Err    error
}

// Error renders the diagnostic message.
func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Report.Message(), e.Err)
}

// Unwrap exposes the underlying engine error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Query executes SQL for the conversation. The statement is rewritten for
// the expected database's provider quirks before execution; on a
// catalog-class failure the error is enriched with attachment diagnostics.
func (m *Manager) Query(ctx context.Context, conversationID, workspace, sqlText, expectedDatabase string) (*engine.Result, error) {
	key := sessions.Key{ConversationID: conversationID, Workspace: workspace}
	s, err := m.registry.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	if expectedDatabase != "" {
		if provider, ok := s.ProviderOf(expectedDatabase); ok {
			sqlText = m.rewriter.Rewrite(sqlText, provider, expectedDatabase)
		}
	}

	conn, err := s.Borrow(ctx)
	if err != nil {
		return nil, err
	}

	queryID := uuid.NewString()
	queryCtx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	start := time.Now()
	result, err := conn.Query(queryCtx, sqlText)
	elapsed := time.Since(start)
	m.registry.Metrics().QuerySeconds.Observe(elapsed.Seconds())

	if err != nil {
		// A timed-out connection may still be executing; discard it so
		// the slot repopulates with a fresh connection.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.Discard(conn)
		} else {
			s.Release(conn)
		}

		slog.Warn("manager: query failed",
			"session", key.String(), "query_id", queryID,
			"elapsed", elapsed, "error", err)

		if expectedDatabase != "" && diagnose.IsCatalogError(err) {
			return nil, &QueryError{
				Report: s.Diagnose(ctx, expectedDatabase),
				Err:    err,
			}
		}
		return nil, fmt.Errorf("executing query: %w", err)
	}

	s.Release(conn)
	slog.Debug("manager: query complete",
		"session", key.String(), "query_id", queryID,
		"rows", result.Count, "elapsed", elapsed)
	return result, nil
}

// SessionInfo describes one live session for introspection endpoints.
type SessionInfo struct {
	ConversationID string                `json:"conversation_id"`
	Workspace      string                `json:"workspace"`
	Generation     uint64                `json:"generation"`
	LastAccess     time.Time             `json:"last_access"`
	Attached       []sessions.Attachment `json:"attached"`
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []SessionInfo {
	keys := m.registry.Keys()
	infos := make([]SessionInfo, 0, len(keys))
	for _, key := range keys {
		s, ok := m.registry.Get(key)
		if !ok {
			continue
		}
		infos = append(infos, SessionInfo{
			ConversationID: key.ConversationID,
			Workspace:      key.Workspace,
			Generation:     s.Generation(),
			LastAccess:     s.LastAccess(),
			Attached:       s.Attached(),
		})
	}
	return infos
}

// Close tears down every session.
func (m *Manager) Close() error {
	return m.registry.Close()
}
