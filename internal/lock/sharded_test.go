package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedSerializesSameKey(t *testing.T) {
	l := NewSharded()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "subject-1", func(ctx context.Context) error {
				n := inside.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestHashKeyIsFNV1a(t *testing.T) {
	assert.Equal(t, uint32(0x811c9dc5), hashKey(""))
	assert.Equal(t, uint32(0xe40c292c), hashKey("a"))
	assert.Equal(t, hashKey("subject-1"), hashKey("subject-1"))
}

func TestShardedPropagatesError(t *testing.T) {
	l := NewSharded()
	boom := errors.New("boom")
	err := l.WithLock(context.Background(), "k", func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	// lock must have been released
	err = l.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestShardedHonoursContext(t *testing.T) {
	l := NewSharded()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "busy", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "busy", func(ctx context.Context) error {
		t.Fatal("must not run while lock is held")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShardedWaitBound(t *testing.T) {
	l := NewSharded()
	l.Wait = 10 * time.Millisecond
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "busy", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)
	err := l.WithLock(context.Background(), "busy", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrNotAcquired)
}
