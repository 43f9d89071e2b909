package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/txn2/duckhub/pkg/engine"
)

const (
	defaultPoolSize         = 4
	defaultOpTimeout        = 30 * time.Second
	defaultIdleTTL          = 30 * time.Minute
	defaultEvictionInterval = time.Minute
)

// Config configures the session registry.
type Config struct {
	// Open creates one engine instance per session.
	Open engine.Opener

	// PoolSize bounds concurrent connections per session.
	PoolSize int

	// OpTimeout bounds each attach/detach/resolve/diagnostic call.
	OpTimeout time.Duration

	// IdleTTL is how long an untouched session survives before eviction.
	IdleTTL time.Duration

	// EvictionInterval is how often the eviction routine scans.
	EvictionInterval time.Duration

	// Registerer receives the session metrics. Nil uses a private registry,
	// which keeps tests independent.
	Registerer prometheus.Registerer
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = defaultIdleTTL
	}
	if c.EvictionInterval == 0 {
		c.EvictionInterval = defaultEvictionInterval
	}
}

// Registry maps session keys to live sessions and guarantees at-most-one
// concurrent creation per key. It is the only component that constructs
// or destroys sessions.
type Registry struct {
	cfg     Config
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[Key]*Session

	// group coalesces concurrent creations per key. The in-flight call is
	// the pending marker: it is dropped on both success and failure, and
	// only a success lands in the sessions table.
	group singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a session registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("sessions: engine opener is required")
	}
	cfg.applyDefaults()
	return &Registry{
		cfg:      cfg,
		metrics:  NewMetrics(cfg.Registerer),
		sessions: make(map[Key]*Session),
	}, nil
}

// Metrics exposes the registry's instruments for callers that record
// higher-level observations (e.g. query durations).
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// GetOrCreate returns the session for key, creating it exactly once under
// concurrent demand. Creation failure propagates to every waiter and is
// never cached; the next caller retries.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		s.touch()
		return s, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		// Another winner may have finished between our miss and this call.
		r.mu.RLock()
		existing, ok := r.sessions[key]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		// The winner's context is shared by every coalesced waiter, so
		// creation must not die with the first caller that hangs up.
		return r.create(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return nil, err
	}

	s = v.(*Session)
	s.touch()
	return s, nil
}

// create opens the engine instance and control connection for a new
// session and installs it in the table.
func (r *Registry) create(ctx context.Context, key Key) (*Session, error) {
	eng, err := r.cfg.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessions: creating engine for %s: %w", key.String(), err)
	}

	control, err := eng.Connect(ctx)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("sessions: opening control connection for %s: %w", key.String(), err)
	}

	s := &Session{
		key:       key,
		eng:       eng,
		pool:      NewPool(eng, r.cfg.PoolSize, r.metrics),
		metrics:   r.metrics,
		control:   control,
		opTimeout: r.cfg.OpTimeout,
		attached:  make(map[string]Attachment),
		byLogical: make(map[string]string),
	}
	s.touch()

	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()

	r.metrics.SessionsCreated.Inc()
	r.metrics.SessionsActive.Inc()
	slog.Info("sessions: created", "session", key.String())
	return s, nil
}

// Get returns the session for key without creating one.
func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Keys returns a sorted snapshot of live session keys.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Evict removes and tears down the session for key, if present.
func (r *Registry) Evict(key Key) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	r.metrics.SessionsActive.Dec()
	r.metrics.SessionsEvicted.Inc()
	slog.Info("sessions: evicted", "session", key.String())
	return true
}

// evictIdle tears down sessions untouched for longer than IdleTTL.
func (r *Registry) evictIdle(now time.Time) {
	r.mu.RLock()
	var stale []Key
	for key, s := range r.sessions {
		if now.Sub(s.LastAccess()) > r.cfg.IdleTTL {
			stale = append(stale, key)
		}
	}
	r.mu.RUnlock()

	for _, key := range stale {
		r.Evict(key)
	}
}

// StartEvictionRoutine starts a background goroutine that periodically
// evicts idle sessions. The goroutine is stopped when Close is called.
func (r *Registry) StartEvictionRoutine() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.cfg.EvictionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle(time.Now())
			}
		}
	}()
}

// Close stops the eviction routine and tears down every session.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}

	for _, key := range r.Keys() {
		r.Evict(key)
	}
	return nil
}
