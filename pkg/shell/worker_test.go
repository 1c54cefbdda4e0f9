package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobdriver/pkg/models"
)

type recordLog struct {
	mu      sync.Mutex
	records map[string]*models.MessageRecord
	history map[string][]models.CommandStatus
}

func newRecordLog(ids ...string) *recordLog {
	l := &recordLog{
		records: make(map[string]*models.MessageRecord),
		history: make(map[string][]models.CommandStatus),
	}
	for _, id := range ids {
		l.records[id] = &models.MessageRecord{ID: id, Status: models.CommandDispatched}
	}
	return l
}

func (l *recordLog) UpdateCommand(id string, fn func(*models.MessageRecord)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return false
	}
	fn(r)
	l.history[id] = append(l.history[id], r.Status)
	return true
}

func (l *recordLog) get(id string) models.MessageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.records[id]
}

func stopWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestWorkerRecordsSuccessAndFailure(t *testing.T) {
	log := newRecordLog("ok", "bad")
	w := NewWorker(Config{Workers: 2}, log, nil, nil)
	w.SetRunner(func(_ context.Context, command string) (string, error) {
		if command == "false" {
			return "nope\n", errors.New("exit status 1")
		}
		return command + "\n", nil
	})
	w.Start()

	require.NoError(t, w.Enqueue("ok", "hi"))
	require.NoError(t, w.Enqueue("bad", "false"))
	stopWorker(t, w)

	ok := log.get("ok")
	assert.Equal(t, models.CommandSucceeded, ok.Status)
	assert.Equal(t, "hi\n", ok.Output)
	assert.Equal(t, []models.CommandStatus{models.CommandRunning, models.CommandSucceeded}, log.history["ok"])

	bad := log.get("bad")
	assert.Equal(t, models.CommandFailed, bad.Status)
	assert.Equal(t, "exit status 1", bad.Error)
	assert.False(t, bad.UpdatedAt.IsZero())
}

func TestEnqueueAfterStop(t *testing.T) {
	w := NewWorker(Config{}, nil, nil, nil)
	w.Start()
	stopWorker(t, w)
	assert.ErrorIs(t, w.Enqueue("x", "echo"), ErrStopped)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	w := NewWorker(Config{Workers: 1, QueueSize: 1}, nil, nil, nil)
	w.SetRunner(func(context.Context, string) (string, error) {
		<-release
		return "", nil
	})
	w.Start()

	var full int
	for i := 0; i < 5; i++ {
		if errors.Is(w.Enqueue("x", "sleep"), ErrQueueFull) {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 3)

	close(release)
	stopWorker(t, w)
}

func TestWorkerTimeout(t *testing.T) {
	log := newRecordLog("slow")
	w := NewWorker(Config{Workers: 1, Timeout: 20 * time.Millisecond}, log, nil, nil)
	w.SetRunner(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	w.Start()
	require.NoError(t, w.Enqueue("slow", "sleep 60"))
	stopWorker(t, w)

	rec := log.get("slow")
	assert.Equal(t, models.CommandFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestExecShell(t *testing.T) {
	w := NewWorker(Config{MaxOutputBytes: 8}, nil, nil, nil)

	out, err := w.execShell(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out)

	out, err = w.execShell(context.Background(), "echo 0123456789")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "01234567"))
	assert.Contains(t, out, "[output truncated]")

	_, err = w.execShell(context.Background(), "exit 3")
	assert.EqualError(t, err, "exit status 3")
}

func TestExecShellKillsOnTimeout(t *testing.T) {
	w := NewWorker(Config{}, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := w.execShell(ctx, "sleep 30 | cat")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
