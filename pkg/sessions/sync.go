package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/txn2/duckhub/pkg/attach"
	"github.com/txn2/duckhub/pkg/catalog"
)

// ErrLogicalNameConflict is returned when a datasource's logical name is
// already taken by a different datasource in the same session.
var ErrLogicalNameConflict = errors.New("sessions: logical database name already attached")

// ErrSessionClosed is returned when operating on a torn-down session.
var ErrSessionClosed = errors.New("sessions: session closed")

// SyncFailure records one datasource that could not be attached or
// detached during a reconciliation batch.
type SyncFailure struct {
	DatasourceID string `json:"datasource_id"`
	Err          error  `json:"-"`
	Message      string `json:"error"`
}

// SyncResult reports the outcome of one reconciliation.
type SyncResult struct {
	// Attached lists datasource IDs attached by this call.
	Attached []string `json:"attached"`

	// Detached lists datasource IDs detached by this call.
	Detached []string `json:"detached"`

	// Failed lists per-datasource failures. A non-empty Failed does not
	// invalidate the rest of the batch.
	Failed []SyncFailure `json:"failed"`

	// CacheHit reports that the desired set already matched the last
	// converged set and no engine work was done.
	CacheHit bool `json:"cache_hit"`

	// Generation is the session sync generation after this call.
	Generation uint64 `json:"generation"`
}

// Sync reconciles the session's attached set against desired. Datasources
// in desired but not attached are attached; with detachUnlisted, attached
// datasources absent from desired are detached. Per-datasource failures
// are collected and do not abort the batch. Concurrent Sync calls on the
// same session serialize.
func (s *Session) Sync(ctx context.Context, resolver catalog.Resolver, desired []string, detachUnlisted bool) (*SyncResult, error) {
	s.touch()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	desiredSet := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		desiredSet[id] = struct{}{}
	}

	var toAttach []string
	for id := range desiredSet {
		_, already := s.attached[id]
		// A forced resync re-attaches even datasources recorded as
		// attached, guaranteeing a fresh view of their content.
		if !already || s.forceResync {
			toAttach = append(toAttach, id)
		}
	}
	var toDetach []string
	if detachUnlisted {
		for id := range s.attached {
			if _, ok := desiredSet[id]; !ok {
				toDetach = append(toDetach, id)
			}
		}
	}
	sort.Strings(toAttach)
	sort.Strings(toDetach)

	if len(toAttach) == 0 && len(toDetach) == 0 && s.converged && setsEqual(desiredSet, s.lastDesired) {
		s.metrics.SyncCacheHits.Inc()
		slog.Debug("sessions: sync cache hit",
			"session", s.key.String(), "generation", s.generation)
		return &SyncResult{CacheHit: true, Generation: s.generation}, nil
	}

	result := &SyncResult{}
	generation := s.generation + 1

	for _, id := range toDetach {
		att := s.attached[id]
		if err := s.withOpTimeout(ctx, func(opCtx context.Context) error {
			return attach.Detach(opCtx, s.control, att.LogicalName)
		}); err != nil {
			s.metrics.AttachOps.WithLabelValues("detach", "error").Inc()
			result.Failed = append(result.Failed, syncFailure(id, err))
			slog.Warn("sessions: detach failed",
				"session", s.key.String(), "datasource", id, "error", err)
			continue
		}
		s.metrics.AttachOps.WithLabelValues("detach", "ok").Inc()
		delete(s.attached, id)
		delete(s.byLogical, att.LogicalName)
		result.Detached = append(result.Detached, id)
	}

	for _, id := range toAttach {
		ds, err := s.resolveWithTimeout(ctx, resolver, id)
		if err != nil {
			result.Failed = append(result.Failed, syncFailure(id, err))
			continue
		}
		if owner, taken := s.byLogical[ds.LogicalName]; taken && owner != id {
			err := fmt.Errorf("%w: %q held by %s", ErrLogicalNameConflict, ds.LogicalName, owner)
			result.Failed = append(result.Failed, syncFailure(id, err))
			continue
		}
		if existing, already := s.attached[id]; already {
			// Forced resync path: the stale attachment must come off
			// before the name can be re-attached.
			if err := s.withOpTimeout(ctx, func(opCtx context.Context) error {
				return attach.Detach(opCtx, s.control, existing.LogicalName)
			}); err != nil {
				s.metrics.AttachOps.WithLabelValues("detach", "error").Inc()
				result.Failed = append(result.Failed, syncFailure(id, err))
				continue
			}
			s.metrics.AttachOps.WithLabelValues("detach", "ok").Inc()
			delete(s.attached, id)
			delete(s.byLogical, existing.LogicalName)
		}
		if err := s.withOpTimeout(ctx, func(opCtx context.Context) error {
			return attach.Attach(opCtx, s.control, ds)
		}); err != nil {
			s.metrics.AttachOps.WithLabelValues("attach", "error").Inc()
			result.Failed = append(result.Failed, syncFailure(id, err))
			slog.Warn("sessions: attach failed",
				"session", s.key.String(), "datasource", id, "error", err)
			continue
		}
		s.metrics.AttachOps.WithLabelValues("attach", "ok").Inc()
		s.attached[id] = Attachment{
			DatasourceID: id,
			LogicalName:  ds.LogicalName,
			Provider:     ds.Provider,
			Generation:   generation,
		}
		s.byLogical[ds.LogicalName] = id
		result.Attached = append(result.Attached, id)
	}

	s.generation = generation
	s.lastDesired = desiredSet
	s.converged = len(result.Failed) == 0
	s.forceResync = false
	result.Generation = generation

	outcome := "ok"
	if len(result.Failed) > 0 {
		outcome = "partial"
	}
	s.metrics.SyncTotal.WithLabelValues(outcome).Inc()
	slog.Info("sessions: sync complete",
		"session", s.key.String(),
		"generation", generation,
		"attached", len(result.Attached),
		"detached", len(result.Detached),
		"failed", len(result.Failed))

	return result, nil
}

func (s *Session) withOpTimeout(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return op(opCtx)
}

func (s *Session) resolveWithTimeout(ctx context.Context, resolver catalog.Resolver, id string) (*catalog.Datasource, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return resolver.Resolve(opCtx, id)
}

func syncFailure(id string, err error) SyncFailure {
	return SyncFailure{DatasourceID: id, Err: err, Message: err.Error()}
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
