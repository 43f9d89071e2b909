// Package sessions owns the per-conversation engine sessions: keyed
// single-flight creation, attachment reconciliation with a converged-set
// cache, a bounded connection pool, and idle eviction.
package sessions

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/duckhub/pkg/catalog"
	"github.com/txn2/duckhub/pkg/diagnose"
	"github.com/txn2/duckhub/pkg/engine"
)

// Key identifies one session: a conversation within a workspace.
type Key struct {
	ConversationID string
	Workspace      string
}

// String renders the key for maps and logs.
func (k Key) String() string {
	return k.Workspace + "/" + k.ConversationID
}

// Attachment records one attached datasource within a session.
type Attachment struct {
	DatasourceID string           `json:"datasource_id"`
	LogicalName  string           `json:"logical_name"`
	Provider     catalog.Provider `json:"provider"`

	// Generation is the session sync generation at which the attach
	// succeeded.
	Generation uint64 `json:"generation"`
}

// Session owns one engine instance, its attached set, and its connection
// pool. Sessions are created only by the Registry; all callers using the
// same key share one Session.
type Session struct {
	key     Key
	eng     engine.Engine
	pool    *Pool
	metrics *Metrics

	// control is a dedicated connection for ATTACH/DETACH and diagnostics,
	// serialized by mu so sync batches never interleave.
	control engine.Conn

	opTimeout time.Duration

	mu          sync.Mutex
	attached    map[string]Attachment // by datasource ID
	byLogical   map[string]string     // logical name -> datasource ID
	generation  uint64
	lastDesired map[string]struct{}
	converged   bool
	forceResync bool
	closed      bool

	lastAccess atomic.Int64 // unix nanos
}

// Key returns the session key.
func (s *Session) Key() Key {
	return s.key
}

// Generation returns the current sync generation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Attached returns a snapshot of the attached set, ordered by logical name.
func (s *Session) Attached() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Attachment, 0, len(s.attached))
	for _, att := range s.attached {
		result = append(result, att)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LogicalName < result[j].LogicalName
	})
	return result
}

// ProviderOf returns the provider of an attached logical database.
func (s *Session) ProviderOf(logicalName string) (catalog.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byLogical[logicalName]
	if !ok {
		return "", false
	}
	return s.attached[id].Provider, true
}

// Borrow lends out an engine connection from the session pool. The wait
// for a free connection is bounded by the session's op timeout even when
// the caller's context carries no deadline.
func (s *Session) Borrow(ctx context.Context) (engine.Conn, error) {
	s.touch()
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.pool.Borrow(ctx)
}

// Release returns a borrowed connection.
func (s *Session) Release(conn engine.Conn) {
	s.touch()
	s.pool.Release(conn)
}

// Discard closes a borrowed connection instead of returning it.
func (s *Session) Discard(conn engine.Conn) {
	s.touch()
	s.pool.Discard(conn)
}

// ResetSyncCache invalidates the converged-set shortcut so the next Sync
// performs a full reconciliation even for an unchanged desired set:
// desired datasources already recorded as attached are detached and
// re-attached to guarantee a fresh view.
func (s *Session) ResetSyncCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.converged = false
	s.forceResync = true
}

// Diagnose gathers attachment diagnostics for a failed query using the
// session's control connection. It never fails.
func (s *Session) Diagnose(ctx context.Context, expectedDatabase string) *diagnose.Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &diagnose.Report{ExpectedDatabase: expectedDatabase}
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return diagnose.Explain(ctx, s.control, expectedDatabase)
}

// LastAccess returns the time of the most recent session use.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

// close tears the session down: control connection, pool, then engine.
// Called by the Registry with the session already removed from the table.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	control := s.control
	s.control = nil
	s.mu.Unlock()

	if control != nil {
		_ = control.Close()
	}
	s.pool.Close()
	_ = s.eng.Close()
}
