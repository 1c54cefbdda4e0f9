package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobdriver/pkg/models"
)

func testStoreRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	require.NoError(t, store.HealthCheck(ctx))

	kinds := []models.EventKind{
		models.EventDriverStarted,
		models.EventEvaluatorAllocated,
		models.EventTaskCompleted,
	}
	for i, kind := range kinds {
		e := EntryFor(models.Event{ID: kind.String(), Kind: kind, EvaluatorID: "E1"}, "handled", nil)
		require.NoError(t, store.Append(ctx, &e))
		assert.Greater(t, e.Seq, int64(i), "sequence must increase")
	}

	failed := EntryFor(models.Event{ID: "x", Kind: models.EventContextFailed}, "failed", errors.New("boom"))
	require.NoError(t, store.Append(ctx, &failed))

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.EventTaskCompleted, recent[0].Kind)
	assert.Equal(t, models.EventContextFailed, recent[1].Kind)
	assert.Equal(t, "boom", recent[1].Error)
	assert.Less(t, recent[0].Seq, recent[1].Seq)

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "E1", all[0].EvaluatorID)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	testStoreRoundTrip(t, store)
}

func TestMemoryStoreCapacity(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := Entry{Kind: models.EventTaskRunning, Outcome: "handled"}
		require.NoError(t, store.Append(ctx, &e))
	}
	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Seq)

	require.NoError(t, store.Close())
	e := Entry{Kind: models.EventTaskRunning}
	assert.ErrorIs(t, store.Append(ctx, &e), ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	testStoreRoundTrip(t, store)
}

// Set DATABASE_DSN to run against a real PostgreSQL
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, Config{Type: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.ExecContext(ctx, "TRUNCATE driver_journal")
	require.NoError(t, err)
	testStoreRoundTrip(t, store)
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Type: "cassandra"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, e *Entry) error {
	<-b.release
	return b.MemoryStore.Append(ctx, e)
}

func TestWriterDrainsOnClose(t *testing.T) {
	store := NewMemoryStore(0)
	w := NewWriter(store, 16, nil, nil)
	for i := 0; i < 10; i++ {
		assert.True(t, w.Enqueue(Entry{Kind: models.EventTaskCompleted}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	all, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
	assert.False(t, w.Enqueue(Entry{Kind: models.EventTaskCompleted}), "closed writer must refuse entries")
}

func TestWriterDropsWhenFull(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(0), release: make(chan struct{})}
	dropped := 0
	var mu sync.Mutex
	w := NewWriter(store, 1, nil, func() {
		mu.Lock()
		dropped++
		mu.Unlock()
	})

	// One entry may be held by the goroutine, one sits in the queue; the
	// rest must be dropped without blocking.
	for i := 0; i < 5; i++ {
		w.Enqueue(Entry{Kind: models.EventTaskRunning})
	}
	mu.Lock()
	assert.GreaterOrEqual(t, dropped, 3)
	mu.Unlock()

	close(store.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
}

func testStorePrune(t *testing.T, store Store) {
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		cutoff.Add(-48 * time.Hour),
		cutoff.Add(-time.Second),
		cutoff,
		cutoff.Add(time.Hour),
	}
	for _, ts := range times {
		e := Entry{Kind: models.EventTaskRunning, Outcome: "handled", Time: ts}
		require.NoError(t, store.Append(ctx, &e))
	}

	removed, err := store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	left, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.True(t, left[0].Time.Equal(cutoff), "entries at the cutoff are kept")

	removed, err = store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestMemoryStorePrune(t *testing.T) {
	testStorePrune(t, NewMemoryStore(0))
}

func TestSQLiteStorePrune(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	testStorePrune(t, store)
}

func TestJanitorRunOnce(t *testing.T) {
	store := NewMemoryStore(0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 30 * time.Minute} {
		e := Entry{Kind: models.EventTaskCompleted, Time: now.Add(-age)}
		require.NoError(t, store.Append(ctx, &e))
	}

	j := NewJanitor(store, time.Hour, time.Minute, nil)
	j.now = func() time.Time { return now }

	removed, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats := j.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(2), stats.TotalRemoved)
	assert.Equal(t, now, stats.LastRun)

	require.NoError(t, store.Close())
	_, err = j.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int64(1), j.Stats().Runs, "failed runs are not counted")
}

func TestJanitorLoopPrunes(t *testing.T) {
	store := NewMemoryStore(0)
	old := Entry{Kind: models.EventTaskCompleted, Time: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Append(context.Background(), &old))

	j := NewJanitor(store, time.Minute, 10*time.Millisecond, nil)
	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool {
		all, _ := store.Recent(context.Background(), 0)
		return len(all) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, j.Stats().Runs, int64(1))
}

func TestJanitorDisabled(t *testing.T) {
	j := NewJanitor(NewMemoryStore(0), 0, time.Millisecond, nil)
	j.Start()
	j.Stop()
	assert.Zero(t, j.Stats().Runs)
}
