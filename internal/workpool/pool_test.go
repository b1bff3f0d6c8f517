package workpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPool_RunsAll(t *testing.T) {
	p := New(4, 8, nil)
	var n atomic.Int32
	for range 100 {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) { n.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int32(100), n.Load())
	assert.Equal(t, int64(100), p.Completed())
}

func TestPool_BoundedConcurrency(t *testing.T) {
	p := New(2, 16, nil)
	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			c := cur.Add(1)
			for {
				old := peak.Load()
				if c <= old || peak.CompareAndSwap(old, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
		}))
	}
	wg.Wait()
	p.Close()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(1, 1, nil)
	p.Close()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrClosed)
	assert.False(t, p.TrySubmit(func(context.Context) {}))
	p.Close()
}

func TestPool_SubmitRespectsContext(t *testing.T) {
	p := New(1, 0, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.TrySubmit(func(context.Context) {}))

	close(release)
	p.Close()
}

func TestPool_ShutdownCancelsJobs(t *testing.T) {
	p := New(1, 1, nil)
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPool_PanicIsContained(t *testing.T) {
	p := New(1, 2, nil)
	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { ran.Store(true) }))
	p.Close()
	assert.True(t, ran.Load())
}
