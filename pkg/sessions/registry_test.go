package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/duckhub/pkg/engine"
	"github.com/txn2/duckhub/pkg/engine/enginetest"
)

const regTestCallers = 25

var regTestKey = Key{ConversationID: "conv-1", Workspace: "ws-a"}

// countingOpener tracks every engine it creates and can be made to fail.
type countingOpener struct {
	mu      sync.Mutex
	engines []*enginetest.FakeEngine
	fail    error
}

func (o *countingOpener) open(_ context.Context) (engine.Engine, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return nil, o.fail
	}
	eng := enginetest.NewFakeEngine()
	o.engines = append(o.engines, eng)
	return eng, nil
}

func (o *countingOpener) created() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.engines)
}

func (o *countingOpener) setFail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = err
}

func newTestRegistry(t *testing.T, opener *countingOpener) *Registry {
	t.Helper()
	reg, err := NewRegistry(Config{Open: opener.open})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRegistry_RequiresOpener(t *testing.T) {
	_, err := NewRegistry(Config{})
	require.Error(t, err)
}

func TestRegistry_GetOrCreate_SingleFlight(t *testing.T) {
	opener := &countingOpener{}
	reg := newTestRegistry(t, opener)
	ctx := context.Background()

	results := make([]*Session, regTestCallers)
	var wg sync.WaitGroup
	for i := 0; i < regTestCallers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.GetOrCreate(ctx, regTestKey)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, opener.created(), "exactly one engine per key under concurrency")
	for _, s := range results {
		assert.Same(t, results[0], s, "all callers observe the same session")
	}
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_DistinctKeysGetDistinctSessions(t *testing.T) {
	opener := &countingOpener{}
	reg := newTestRegistry(t, opener)
	ctx := context.Background()

	a, err := reg.GetOrCreate(ctx, Key{ConversationID: "conv-1", Workspace: "ws-a"})
	require.NoError(t, err)
	b, err := reg.GetOrCreate(ctx, Key{ConversationID: "conv-1", Workspace: "ws-b"})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, opener.created())
}

func TestRegistry_CreationFailureIsNotCached(t *testing.T) {
	opener := &countingOpener{}
	opener.setFail(errors.New("engine init failed"))
	reg := newTestRegistry(t, opener)
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, regTestKey)
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	opener.setFail(nil)
	s, err := reg.GetOrCreate(ctx, regTestKey)
	require.NoError(t, err, "a later caller must be able to retry after a failed creation")
	assert.NotNil(t, s)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_CreationFailurePropagatesToAllWaiters(t *testing.T) {
	opener := &countingOpener{}
	opener.setFail(errors.New("engine init failed"))
	reg := newTestRegistry(t, opener)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, regTestCallers)
	for i := 0; i < regTestCallers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.GetOrCreate(ctx, regTestKey)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.Error(t, err)
	}
}

func TestSession_BorrowTimesOutWithoutCallerDeadline(t *testing.T) {
	opener := &countingOpener{}
	reg, err := NewRegistry(Config{
		Open:      opener.open,
		PoolSize:  1,
		OpTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	s, err := reg.GetOrCreate(context.Background(), regTestKey)
	require.NoError(t, err)

	conn, err := s.Borrow(context.Background())
	require.NoError(t, err)

	// The pool is exhausted and the caller carries no deadline; the wait
	// must still be bounded by the op timeout.
	start := time.Now()
	_, err = s.Borrow(context.Background())
	require.ErrorIs(t, err, ErrPoolTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	s.Release(conn)
	conn, err = s.Borrow(context.Background())
	require.NoError(t, err, "a freed slot must be borrowable again")
	s.Release(conn)
}

func TestRegistry_CreationSurvivesWinnerCancellation(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	open := func(ctx context.Context) (engine.Engine, error) {
		close(entered)
		<-proceed
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return enginetest.NewFakeEngine(), nil
	}

	reg, err := NewRegistry(Config{Open: open})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	winnerCtx, cancel := context.WithCancel(context.Background())
	winnerErr := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate(winnerCtx, regTestKey)
		winnerErr <- err
	}()

	<-entered
	cancel()
	close(proceed)

	require.NoError(t, <-winnerErr)

	_, ok := reg.Get(regTestKey)
	assert.True(t, ok, "creation must complete despite the winner hanging up")
}

func TestRegistry_Evict(t *testing.T) {
	opener := &countingOpener{}
	reg := newTestRegistry(t, opener)
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, regTestKey)
	require.NoError(t, err)

	assert.True(t, reg.Evict(regTestKey))
	assert.Equal(t, 0, reg.Len())
	assert.True(t, opener.engines[0].Closed(), "eviction must close the engine")

	assert.False(t, reg.Evict(regTestKey), "evicting an absent key is a no-op")
}

func TestRegistry_EvictIdle(t *testing.T) {
	opener := &countingOpener{}
	reg, err := NewRegistry(Config{Open: opener.open, IdleTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	ctx := context.Background()

	stale, err := reg.GetOrCreate(ctx, Key{ConversationID: "old", Workspace: "ws"})
	require.NoError(t, err)
	_ = stale

	time.Sleep(80 * time.Millisecond)

	fresh, err := reg.GetOrCreate(ctx, Key{ConversationID: "new", Workspace: "ws"})
	require.NoError(t, err)
	fresh.touch()

	reg.evictIdle(time.Now())

	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Get(Key{ConversationID: "new", Workspace: "ws"})
	assert.True(t, ok, "recently used session must survive")
}

func TestRegistry_EvictionRoutineStops(t *testing.T) {
	opener := &countingOpener{}
	reg, err := NewRegistry(Config{Open: opener.open, EvictionInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	reg.StartEvictionRoutine()
	require.NoError(t, reg.Close())
}

func TestRegistry_CloseTearsDownAllSessions(t *testing.T) {
	opener := &countingOpener{}
	reg := newTestRegistry(t, opener)
	ctx := context.Background()

	_, err := reg.GetOrCreate(ctx, Key{ConversationID: "a", Workspace: "ws"})
	require.NoError(t, err)
	_, err = reg.GetOrCreate(ctx, Key{ConversationID: "b", Workspace: "ws"})
	require.NoError(t, err)

	require.NoError(t, reg.Close())
	assert.Equal(t, 0, reg.Len())
	for _, eng := range opener.engines {
		assert.True(t, eng.Closed())
	}
}
