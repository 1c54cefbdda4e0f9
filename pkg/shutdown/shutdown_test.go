package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsStepsLIFO(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"journal", "bridge", "http"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "bridge", "journal"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Shutdown")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	m := New(time.Second, nil)
	calls := 0
	m.Register("step", func(context.Context) error {
		calls++
		return nil
	})

	m.Shutdown()
	m.Shutdown()
	assert.Equal(t, 1, calls)
}

func TestShutdownContinuesPastErrors(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")
	ran := false
	m.Register("last", func(context.Context) error {
		ran = true
		return nil
	})
	m.Register("first", func(context.Context) error { return boom })

	err := m.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "first")
	assert.True(t, ran)
}

func TestShutdownStepsShareDeadline(t *testing.T) {
	m := New(20*time.Millisecond, nil)
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := m.Shutdown()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitReturnsOnTrigger(t *testing.T) {
	m := New(time.Second, nil)
	go m.Trigger()
	assert.NoError(t, m.WaitWithContext(context.Background()))
}

func TestWaitReturnsOnContext(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitWithContext(ctx), context.DeadlineExceeded)
}

type fakeServer struct{ err error }

func (f fakeServer) Shutdown(context.Context) error { return f.err }

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestHelpers(t *testing.T) {
	assert.NoError(t, StopHTTPServer(fakeServer{})(context.Background()))
	assert.Error(t, StopHTTPServer(fakeServer{err: errors.New("busy")})(context.Background()))

	c := &fakeCloser{}
	assert.NoError(t, CloseResource(c)(context.Background()))
	assert.True(t, c.closed)
}
